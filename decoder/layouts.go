package decoder

import (
	"fmt"
	"github.com/tcdash/thinkcan"
)

// Arbitration IDs of ThinkCity vehicle bus frames
const (
	// Battery management interface
	IDBMI1 uint32 = 0x301
	IDBMI2 uint32 = 0x302
	IDBMI3 uint32 = 0x303
	IDBMI4 uint32 = 0x304
	IDBMI5 uint32 = 0x305
	IDBMI6 uint32 = 0x306

	// Vehicle control
	IDGeneral uint32 = 0x263
	IDShifter uint32 = 0x264
	IDVCU1    uint32 = 0x250
	IDVCU2    uint32 = 0x251
	IDVCU3    uint32 = 0x265
	IDVCU4    uint32 = 0x300

	// Charger and power control
	IDMaxAC    uint32 = 0x311
	IDCharger1 uint32 = 0x310
	IDCharger2 uint32 = 0x352
	IDCharger3 uint32 = 0x353
	IDCharger4 uint32 = 0x354
	IDCharger5 uint32 = 0x355
	IDCharger6 uint32 = 0x359

	// Motor and inverter
	IDMotor1 uint32 = 0x3A0
	IDMotor2 uint32 = 0x3A1

	// HVAC
	IDHVAC1 uint32 = 0x440
	IDHVAC2 uint32 = 0x441
	IDHVAC3 uint32 = 0x442
	IDHVAC4 uint32 = 0x443
	IDHVAC5 uint32 = 0x444

	// EnerDel battery pack
	IDEnerDel1 uint32 = 0x610
	IDEnerDel2 uint32 = 0x611

	// Diagnostics
	IDDiag1 uint32 = 0x30E // part number, ASCII
	IDDiag2 uint32 = 0x30F // part number, ASCII
	IDDiag3 uint32 = 0x721
	IDDiag4 uint32 = 0x722
	IDDiag5 uint32 = 0x723
)

// cellVoltageScale converts EnerDel 16bit cell voltage to volts (10/4096)
const cellVoltageScale = 0.00244140625

// gears maps shifter bytes 4 and 5 to gear letter
var gears = map[uint16]string{
	0x0401: "P",
	0x0421: "R",
	0x1004: "N",
	0x4006: "D",
	0x0081: "E", // eco mode as seen live
	0x1008: "E", // eco mode as seen in traces
}

type layout struct {
	decode func(p payload) thinkcan.SignalSet
	// chemistryB marks frames that are sent only by EnerDel battery packs
	chemistryB bool
}

var layouts = map[uint32]layout{
	IDBMI1: {decode: decodeBMI1},
	IDBMI2: {decode: decodeBMI2},
	IDBMI3: {decode: decodeBMI3},
	IDBMI4: {decode: decodeBMI4},
	IDBMI5: {decode: decodeBMI5},
	IDBMI6: {decode: raw(thinkcan.SignalBMI6Raw)},

	IDGeneral: {decode: decodeGeneral},
	IDShifter: {decode: decodeShifter},
	IDVCU1: {decode: func(p payload) thinkcan.SignalSet {
		return thinkcan.SignalSet{
			thinkcan.SignalVCUStatus1: p.u8(0),
			thinkcan.SignalVCUStatus2: p.u8(1),
			thinkcan.SignalVCUStatus3: p.u8(2),
		}
	}},
	IDVCU2: {decode: raw(thinkcan.SignalVCU2Raw)},
	IDVCU3: {decode: func(p payload) thinkcan.SignalSet {
		return thinkcan.SignalSet{
			thinkcan.SignalVCUCounter:    thinkcan.Int(int64(p.u16(0))),
			thinkcan.SignalVCUStatusByte: p.u8(5),
		}
	}},
	IDVCU4: {decode: func(p payload) thinkcan.SignalSet {
		return thinkcan.SignalSet{
			thinkcan.SignalVCUMode:     p.u8(0),
			thinkcan.SignalVCUReserved: p.u8(2),
		}
	}},

	IDMaxAC: {decode: func(p payload) thinkcan.SignalSet {
		return thinkcan.SignalSet{thinkcan.SignalMaxAvailableAC: thinkcan.Float(float64(p[1]) * 0.2)}
	}},
	IDCharger1: {decode: func(p payload) thinkcan.SignalSet {
		return thinkcan.SignalSet{
			thinkcan.SignalChargerStatus: p.u8(0),
			thinkcan.SignalChargerMode:   p.u8(2),
		}
	}},
	IDCharger2: {decode: func(p payload) thinkcan.SignalSet {
		return thinkcan.SignalSet{
			thinkcan.SignalChargerEnabled:         p.flag(0, 0x01),
			thinkcan.SignalChargerVoltageSetpoint: thinkcan.Float(float64(p.u16(2)) / 10),
			thinkcan.SignalChargerCurrentSetpoint: thinkcan.Float(float64(p.u16(4)) / 10),
		}
	}},
	IDCharger3: {decode: func(p payload) thinkcan.SignalSet {
		return thinkcan.SignalSet{
			thinkcan.SignalChargerState:         p.u8(1),
			thinkcan.SignalChargerTargetVoltage: thinkcan.Float(float64(p.u16(6)) / 10),
		}
	}},
	IDCharger4: {decode: func(p payload) thinkcan.SignalSet {
		return thinkcan.SignalSet{
			thinkcan.SignalChargerTimerHours:   p.u8(1),
			thinkcan.SignalChargerTimerMinutes: p.u8(2),
			thinkcan.SignalChargerTimestamp:    thinkcan.Int(int64(p.u16(4))),
		}
	}},
	IDCharger5: {decode: func(p payload) thinkcan.SignalSet {
		return thinkcan.SignalSet{thinkcan.SignalChargerActive: p.flag(0, 0x01)}
	}},
	IDCharger6: {decode: func(p payload) thinkcan.SignalSet {
		return thinkcan.SignalSet{
			thinkcan.SignalVCUChargerCmd: p.u8(0),
			thinkcan.SignalVCUReady:      p.flag(5, 0x01),
		}
	}},

	IDMotor1: {decode: func(p payload) thinkcan.SignalSet {
		rpm := thinkcan.Int(int64(p.u16(2))) // scaling is not known yet
		return thinkcan.SignalSet{
			thinkcan.SignalMotorRPMRaw: rpm,
			thinkcan.SignalMotorRPM:    rpm,
		}
	}},
	IDMotor2: {decode: func(p payload) thinkcan.SignalSet {
		return thinkcan.SignalSet{
			thinkcan.SignalMotorTorqueRaw: thinkcan.Int(int64(p.u16(0))),
			thinkcan.SignalMotorStatus1:   p.u8(3),
			thinkcan.SignalMotorStatus2:   p.u8(4),
			thinkcan.SignalMotorTemp:      p.u8(6),
		}
	}},

	IDHVAC1: {decode: func(p payload) thinkcan.SignalSet {
		return thinkcan.SignalSet{
			thinkcan.SignalHVACSetpointRaw: thinkcan.Int(int64(p.u16(0))),
			thinkcan.SignalHVACActualRaw:   thinkcan.Int(int64(p.u16(2))),
		}
	}},
	IDHVAC2: {decode: raw(thinkcan.SignalHVAC2Raw)},
	IDHVAC3: {decode: raw(thinkcan.SignalHVAC3Raw)},
	IDHVAC4: {decode: raw(thinkcan.SignalHVAC4Raw)},
	IDHVAC5: {decode: func(p payload) thinkcan.SignalSet {
		return thinkcan.SignalSet{
			thinkcan.SignalHVACMode:     p.u8(0),
			thinkcan.SignalHVACFanSpeed: p.u8(2),
		}
	}},

	IDEnerDel1: {decode: decodeEnerDel1, chemistryB: true},
	IDEnerDel2: {decode: decodeEnerDel2, chemistryB: true},

	IDDiag1: {decode: ascii(thinkcan.SignalPartNumber1)},
	IDDiag2: {decode: ascii(thinkcan.SignalPartNumber2)},
	IDDiag3: {decode: raw(thinkcan.SignalDiag3Raw)},
	IDDiag4: {decode: raw(thinkcan.SignalDiag4Raw)},
	IDDiag5: {decode: raw(thinkcan.SignalDiag5Raw)},
}

// decodeBMI1 decodes main battery frame 0x301
func decodeBMI1(p payload) thinkcan.SignalSet {
	current := float64(p.s16(0)) / 10
	voltage := float64(p.u16(2)) / 10
	return thinkcan.SignalSet{
		thinkcan.SignalCurrent:  thinkcan.Float(current),
		thinkcan.SignalVoltage:  thinkcan.Float(voltage),
		thinkcan.SignalDoD:      thinkcan.Float(float64(p.u16(4)) / 10),
		thinkcan.SignalPackTemp: thinkcan.Float(float64(p.u16(6)) / 10),
		thinkcan.SignalPower:    thinkcan.Float(voltage * current / 1000),
	}
}

func decodeBMI2(p payload) thinkcan.SignalSet {
	return thinkcan.SignalSet{
		thinkcan.SignalErrGeneral:  p.flag(0, 0x01),
		thinkcan.SignalIsoError:    p.flag(2, 0x01),
		thinkcan.SignalVoltsMinDis: thinkcan.Float(float64(p.u16(4)) / 10),
		thinkcan.SignalAmpsMaxDis:  thinkcan.Float(float64(p.s16(6)) / 10),
	}
}

func decodeBMI3(p payload) thinkcan.SignalSet {
	return thinkcan.SignalSet{
		thinkcan.SignalMaxChargeCurrent:     thinkcan.Float(float64(p.s16(0)) / 10),
		thinkcan.SignalMaxChargeVoltage:     thinkcan.Float(float64(p.u16(2)) / 10),
		thinkcan.SignalVehicleChargeEnabled: p.flag(4, 0x01),
		thinkcan.SignalRegenBrakeEnabled:    p.flag(4, 0x02),
		thinkcan.SignalDischargeEnabled:     p.flag(4, 0x04),
		thinkcan.SignalFastChargeEnabled:    p.flag(4, 0x08),
		thinkcan.SignalDCDCEnabled:          p.flag(4, 0x10),
		thinkcan.SignalACOn:                 p.flag(4, 0x20),
		thinkcan.SignalReleasedBatteries:    p.u8(5),
		thinkcan.SignalReducedBatteries:     p.flag(6, 0x01),
		thinkcan.SignalEmergency:            p.flag(6, 0x08),
		thinkcan.SignalCrash:                p.flag(6, 0x10),
		thinkcan.SignalFanStatus:            p.flag(6, 0x20),
		thinkcan.SignalSOCGreater102:        p.flag(6, 0x40),
		thinkcan.SignalIsoTestFlag:          p.flag(6, 0x80),
		thinkcan.SignalWaitingTempErr:       p.flag(7, 0x01),
	}
}

func decodeBMI4(p payload) thinkcan.SignalSet {
	return thinkcan.SignalSet{
		thinkcan.SignalSysVoltageMaxGenerator: thinkcan.Float(float64(p.u16(0)) / 10),
		thinkcan.SignalSysHighEstErrCat:       p.u8(2),
		thinkcan.SignalSysEOC:                 p.flag(3, 0x01),
		thinkcan.SignalReachEOCPlease:         p.flag(3, 0x02),
		thinkcan.SignalWaitingOKTempCharge:    p.flag(3, 0x04),
		thinkcan.SignalTooManyFailedCells:     p.flag(3, 0x08),
		thinkcan.SignalACHeaterRelay:          p.flag(3, 0x10),
		thinkcan.SignalACHeaterSwitch:         p.flag(3, 0x20),
		thinkcan.SignalT1:                     thinkcan.Float(float64(p.u16(4)) / 10),
		thinkcan.SignalT2:                     thinkcan.Float(float64(p.u16(6)) / 10),
	}
}

func decodeBMI5(p payload) thinkcan.SignalSet {
	return thinkcan.SignalSet{
		thinkcan.SignalChargerPWMCmd:          thinkcan.Float(float64(p.u16(0)) / 10),
		thinkcan.SignalSysBMIState:            thinkcan.Int(int64(p[2] & 0x0F)),
		thinkcan.SignalSysIntIsoError:         p.flag(2, 0x10),
		thinkcan.SignalSysExtIsoError:         p.flag(2, 0x20),
		thinkcan.SignalBatteryChargeEnabled:   p.flag(3, 0x01),
		thinkcan.SignalOCVMeasInProgress:      p.flag(3, 0x02),
		thinkcan.SignalNoChargeCurrent:        p.flag(3, 0x04),
		thinkcan.SignalChargeOvervoltage:      p.flag(3, 0x08),
		thinkcan.SignalChargeOvercurrent:      p.flag(3, 0x10),
		thinkcan.SignalBatteryType:            thinkcan.Float(float64(p[3]&0xE0) * 0.03125),
		thinkcan.SignalFailedCells:            thinkcan.Int(int64(p.u16(4))),
		thinkcan.SignalSysBMITempError:        thinkcan.Float(float64(p[6]&0x06) / 2),
		thinkcan.SignalSysZebraTempError:      thinkcan.Float(float64(p[6]&0x18) * 0.125),
		thinkcan.SignalSysThermalIsoError:     p.flag(6, 0x20),
		thinkcan.SignalWaitingOKTempDischarge: p.flag(6, 0x40),
	}
}

// decodeGeneral decodes 0x263 that carries vehicle speed and power control unit values
func decodeGeneral(p payload) thinkcan.SignalSet {
	return thinkcan.SignalSet{
		thinkcan.SignalPCUVoltage:     thinkcan.Float(float64(p[3]) / 10),
		thinkcan.SignalSpeed:          thinkcan.Float(float64(p[5]) / 2),
		thinkcan.SignalPCUAmbientTemp: thinkcan.Float(float64(p[2]) / 2),
		thinkcan.SignalMainsVoltage:   thinkcan.Float(float64(p[1])),
		thinkcan.SignalMainsCurrent:   thinkcan.Float(float64(p[0]) * 2 / 10),
	}
}

// decodeShifter decodes 0x264. Format is `01 00 00 4X YY ZZ 00 00` where YY ZZ identify the gear.
func decodeShifter(p payload) thinkcan.SignalSet {
	gear, ok := gears[p.u16(4)]
	if !ok {
		gear = "?"
	}
	return thinkcan.SignalSet{
		thinkcan.SignalShifterHex: thinkcan.String(fmt.Sprintf("%02X%02X%02X%02X%02X%02X%02X%02X", p[0], p[1], p[2], p[3], p[4], p[5], p[6], p[7])),
		thinkcan.SignalGear:       thinkcan.String(gear),
	}
}

func decodeEnerDel1(p payload) thinkcan.SignalSet {
	return thinkcan.SignalSet{
		thinkcan.SignalIsEnerDel:    thinkcan.Bool(true),
		thinkcan.SignalEPackMaxCell: thinkcan.Float(float64(p.u16(0)) * cellVoltageScale),
		thinkcan.SignalEPackMinCell: thinkcan.Float(float64(p.u16(2)) * cellVoltageScale),
		thinkcan.SignalEPackMaxTemp: p.u8(4),
		thinkcan.SignalEPackMinTemp: p.u8(5),
	}
}

func decodeEnerDel2(p payload) thinkcan.SignalSet {
	return thinkcan.SignalSet{
		thinkcan.SignalIsEnerDel:       thinkcan.Bool(true),
		thinkcan.SignalEPackAvgCell:    thinkcan.Float(float64(p.u16(0)) * cellVoltageScale),
		thinkcan.SignalEPackDeltaCell:  thinkcan.Float(float64(p.u16(2)) * cellVoltageScale),
		thinkcan.SignalECellVoltageSOC: thinkcan.Float(float64(p[4]) * 0.4),
		thinkcan.SignalEPackSOC:        thinkcan.Float(float64(p[5]) * 0.4),
		thinkcan.SignalEPackSOC1:       thinkcan.Float(float64(p[6]) * 0.4),
		thinkcan.SignalEPackSOC2:       thinkcan.Float(float64(p[7]) * 0.4),
	}
}

func raw(id thinkcan.SignalID) func(p payload) thinkcan.SignalSet {
	return func(p payload) thinkcan.SignalSet {
		return thinkcan.SignalSet{id: thinkcan.Raw(p[:])}
	}
}

// ascii decodes payload as printable ASCII text. Non-printable bytes are replaced with `?`.
func ascii(id thinkcan.SignalID) func(p payload) thinkcan.SignalSet {
	return func(p payload) thinkcan.SignalSet {
		b := make([]byte, len(p))
		for i, c := range p {
			if c >= 32 && c < 127 {
				b[i] = c
			} else {
				b[i] = '?'
			}
		}
		return thinkcan.SignalSet{id: thinkcan.String(string(b))}
	}
}

// payload is frame data padded to 8 bytes
type payload [8]byte

func (p payload) u16(i int) uint16 {
	return uint16(p[i])<<8 | uint16(p[i+1])
}

func (p payload) s16(i int) int16 {
	return int16(p.u16(i))
}

func (p payload) u8(i int) thinkcan.Value {
	return thinkcan.Int(int64(p[i]))
}

func (p payload) flag(i int, mask byte) thinkcan.Value {
	return thinkcan.Bool(p[i]&mask != 0)
}
