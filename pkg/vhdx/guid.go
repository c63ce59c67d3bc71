package vhdx

import (
	"github.com/google/uuid"
)

// GUIDs are stored with their first three fields little-endian.

// GUIDFromBytes decodes an on-disk GUID.
func GUIDFromBytes(b []byte) uuid.UUID {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:16])
	return u
}

// PutGUID encodes u into b in on-disk order.
func PutGUID(b []byte, u uuid.UUID) {
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
	copy(b[8:16], u[8:])
}

// Region identifiers.
var (
	BATRegion      = uuid.MustParse("2DC27766-F623-4200-9D64-115E9BFD4A08")
	MetadataRegion = uuid.MustParse("8B7CA206-4790-4B9A-B8FE-575F050F886E")
)

// Metadata item identifiers.
var (
	FileParametersItem     = uuid.MustParse("CAA16737-FA36-4D43-B3B6-33F0AA44E76B")
	VirtualDiskSizeItem    = uuid.MustParse("2FA54224-CD1B-4876-B211-5DBED83BF4B8")
	Page83Item             = uuid.MustParse("BECA12AB-B2E6-4523-93EF-C309E000C746")
	LogicalSectorSizeItem  = uuid.MustParse("8141BF1D-A96F-4709-BA47-F233A8FAAB5F")
	PhysicalSectorSizeItem = uuid.MustParse("CDA348C7-445D-4471-9CC9-E9885251C556")
	ParentLocatorItem      = uuid.MustParse("A8D35F2B-B30B-454D-ABF7-D3D84834AB0C")

	// VHDXParentLocator is the only parent locator type defined.
	VHDXParentLocator = uuid.MustParse("B04AEFB7-D19E-4A81-B789-25B8E9445913")
)
