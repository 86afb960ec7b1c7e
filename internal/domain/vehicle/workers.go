package vehicle

// Class identifies one specialist worker class.
type Class string

const (
	ClassOCR       Class = "ocr"
	ClassColor     Class = "color"
	ClassLogo      Class = "logo"
	ClassViolation Class = "violation"
)

var AllClasses = []Class{ClassOCR, ClassColor, ClassLogo, ClassViolation}

// relevance maps each worker class to the vehicle types it processes.
var relevance = map[Class][]VehicleType{
	ClassOCR:       {TypeCar, TypeBus, TypeMotorcycle, TypeTruck, TypeAuto},
	ClassColor:     {TypeCar},
	ClassLogo:      {TypeCar},
	ClassViolation: {TypeMotorcycle},
}

// ShouldProcess reports whether a worker class handles the given vehicle type.
func ShouldProcess(class Class, vtype VehicleType) bool {
	for _, t := range relevance[class] {
		if t == vtype {
			return true
		}
	}
	return false
}

// ExpectedWorkers returns the set of worker classes whose results must be
// present before a job is considered complete. Every vehicle type expects at
// least OCR.
func ExpectedWorkers(vtype VehicleType) []Class {
	switch vtype {
	case TypeCar:
		return []Class{ClassOCR, ClassColor, ClassLogo}
	case TypeMotorcycle:
		return []Class{ClassOCR, ClassViolation}
	default:
		return []Class{ClassOCR}
	}
}

// DefaultPayload is the safe payload a worker publishes when processing
// fails, so the join is never blocked on a broken frame.
func DefaultPayload(class Class) string {
	switch class {
	case ClassOCR:
		return "N/A"
	case ClassColor:
		return "unknown|#000000"
	case ClassLogo:
		return "Unknown"
	case ClassViolation:
		return "0"
	default:
		return ""
	}
}
