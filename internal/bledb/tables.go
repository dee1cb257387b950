package bledb

// Names of the adopted services, characteristics and descriptors a bridge
// typically meets, keyed by normalized UUID.
var services = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"1805": "Current Time Service",
	"1809": "Health Thermometer",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery Service",
	"1810": "Blood Pressure",
	"1816": "Cycling Speed and Cadence",
	"1818": "Cycling Power",
	"181a": "Environmental Sensing",
	"181c": "User Data",
	"181d": "Weight Scale",
}

var characteristics = map[string]string{
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a04": "Peripheral Preferred Connection Parameters",
	"2a05": "Service Changed",
	"2a19": "Battery Level",
	"2a1c": "Temperature Measurement",
	"2a1d": "Temperature Type",
	"2a1e": "Intermediate Temperature",
	"2a24": "Model Number String",
	"2a25": "Serial Number String",
	"2a26": "Firmware Revision String",
	"2a27": "Hardware Revision String",
	"2a28": "Software Revision String",
	"2a29": "Manufacturer Name String",
	"2a2b": "Current Time",
	"2a35": "Blood Pressure Measurement",
	"2a37": "Heart Rate Measurement",
	"2a38": "Body Sensor Location",
	"2a6d": "Pressure",
	"2a6e": "Temperature",
	"2a6f": "Humidity",
	"2a9d": "Weight Measurement",
}

var descriptors = map[string]string{
	"2900": "Characteristic Extended Properties",
	"2901": "Characteristic User Descriptor",
	"2902": "Client Characteristic Configuration",
	"2903": "Server Characteristic Configuration",
	"2904": "Characteristic Presentation Format",
	"2905": "Characteristic Aggregate Format",
	"2906": "Valid Range",
}

// defaultTypes are the GATT field layouts of characteristics whose format
// is fixed by their assigned number.
var defaultTypes = map[string][]string{
	"2a00": {"utf8s"},
	"2a01": {"uint16"},
	"2a19": {"uint8"},
	"2a1c": {"uint8", "FLOAT"},
	"2a1d": {"uint8"},
	"2a1e": {"uint8", "FLOAT"},
	"2a24": {"utf8s"},
	"2a25": {"utf8s"},
	"2a26": {"utf8s"},
	"2a27": {"utf8s"},
	"2a28": {"utf8s"},
	"2a29": {"utf8s"},
	"2a37": {"uint8", "uint8"},
	"2a38": {"uint8"},
	"2a6d": {"uint32"},
	"2a6e": {"sint16"},
	"2a6f": {"uint16"},
}

// LookupService returns the adopted name of a service UUID, or "".
func LookupService(uuid string) string {
	return services[NormalizeUUID(uuid)]
}

// LookupCharacteristic returns the adopted name of a characteristic UUID, or "".
func LookupCharacteristic(uuid string) string {
	return characteristics[NormalizeUUID(uuid)]
}

// LookupDescriptor returns the adopted name of a descriptor UUID, or "".
func LookupDescriptor(uuid string) string {
	return descriptors[NormalizeUUID(uuid)]
}
