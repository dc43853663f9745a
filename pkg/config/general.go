package config

// Identity uniquely addresses a node on the network for LSS purposes. It
// mirrors the layout of the identity object (0x1018): vendor ID, product
// code, revision number and serial number, in that fixed order.
type Identity struct {
	VendorId       uint32
	ProductCode    uint32
	RevisionNumber uint32
	SerialNumber   uint32
}

// ManufacturerInformation groups the free-form identification strings a
// node may expose alongside its [Identity].
type ManufacturerInformation struct {
	ManufacturerDeviceName      string
	ManufacturerHardwareVersion string
	ManufacturerSoftwareVersion string
}

