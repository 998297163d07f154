// Package avl maps numeric Teltonika AVL IO element ids onto named fields.
// Values are passed through untouched; scaling and policy live upstream.
package avl

import "github.com/roadpulse/fleet-ingester/internal/codec8"

// Permanent IO element ids used by the FMB-series trackers this fleet runs.
const (
	IDDigitalInput1   uint16 = 1
	IDDigitalInput2   uint16 = 2
	IDAnalogInput1    uint16 = 9
	IDTotalOdometer   uint16 = 16
	IDAxisX           uint16 = 17
	IDAxisY           uint16 = 18
	IDAxisZ           uint16 = 19
	IDGSMSignal       uint16 = 21
	IDExternalVoltage uint16 = 66
	IDBatteryVoltage  uint16 = 67
	IDIgnition        uint16 = 239
	IDMovement        uint16 = 240
)

// Fields holds the named IO elements of one record. Pointer fields are nil
// when the element was absent from the record. Axis values are milli-g,
// voltages millivolts.
type Fields struct {
	Din1            *bool
	Din2            *bool
	Ain1            *uint16
	TotalOdometer   *uint32
	AxisX           *int16
	AxisY           *int16
	AxisZ           *int16
	GSMSignal       *uint8
	ExternalVoltage *uint16
	BatteryVoltage  *uint16
	Ignition        *bool
	Movement        *bool

	// Unknown collects ids with no mapping so nothing is dropped silently.
	// Variable-width values are keyed here by id with a zero value; their
	// payloads stay on the raw record.
	Unknown map[uint16]uint64
}

// Map translates decoded IO elements into named fields.
func Map(elements []codec8.IOElement) Fields {
	var f Fields
	for _, e := range elements {
		switch e.ID {
		case IDDigitalInput1:
			f.Din1 = boolPtr(e.Value)
		case IDDigitalInput2:
			f.Din2 = boolPtr(e.Value)
		case IDAnalogInput1:
			v := uint16(e.Value)
			f.Ain1 = &v
		case IDTotalOdometer:
			v := uint32(e.Value)
			f.TotalOdometer = &v
		case IDAxisX:
			v := int16(e.Value)
			f.AxisX = &v
		case IDAxisY:
			v := int16(e.Value)
			f.AxisY = &v
		case IDAxisZ:
			v := int16(e.Value)
			f.AxisZ = &v
		case IDGSMSignal:
			v := uint8(e.Value)
			f.GSMSignal = &v
		case IDExternalVoltage:
			v := uint16(e.Value)
			f.ExternalVoltage = &v
		case IDBatteryVoltage:
			v := uint16(e.Value)
			f.BatteryVoltage = &v
		case IDIgnition:
			f.Ignition = boolPtr(e.Value)
		case IDMovement:
			f.Movement = boolPtr(e.Value)
		default:
			if f.Unknown == nil {
				f.Unknown = make(map[uint16]uint64)
			}
			f.Unknown[e.ID] = e.Value
		}
	}
	return f
}

func boolPtr(v uint64) *bool {
	b := v != 0
	return &b
}
