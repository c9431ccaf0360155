package thinkcan

import "sort"

// SignalID is name of decoded or derived vehicle signal. Names include unit suffix where signal has physical unit.
type SignalID string

// Battery management interface (BMI) 0x301-0x306
const (
	SignalCurrent     SignalID = "current_A"
	SignalVoltage     SignalID = "voltage_V"
	SignalDoD         SignalID = "dod_pct"
	SignalPackTemp    SignalID = "pack_temp_C"
	SignalPower       SignalID = "power_kW"
	SignalErrGeneral  SignalID = "err_general"
	SignalIsoError    SignalID = "iso_error"
	SignalVoltsMinDis SignalID = "volts_min_discharge_V"
	SignalAmpsMaxDis  SignalID = "amps_max_discharge_A"

	SignalMaxChargeCurrent     SignalID = "max_charge_current_A"
	SignalMaxChargeVoltage     SignalID = "max_charge_voltage_V"
	SignalVehicleChargeEnabled SignalID = "vehicle_charge_enabled"
	SignalRegenBrakeEnabled    SignalID = "regen_brake_enabled"
	SignalDischargeEnabled     SignalID = "discharge_enabled"
	SignalFastChargeEnabled    SignalID = "fast_charge_enabled"
	SignalDCDCEnabled          SignalID = "dc_dc_enabled"
	SignalACOn                 SignalID = "ac_on"
	SignalReleasedBatteries    SignalID = "number_released_batteries"
	SignalReducedBatteries     SignalID = "reduced_number_of_batteries"
	SignalEmergency            SignalID = "emergency"
	SignalCrash                SignalID = "crash"
	SignalFanStatus            SignalID = "fan_status"
	SignalSOCGreater102        SignalID = "soc_greater_102"
	SignalIsoTestFlag          SignalID = "iso_test_flag"
	SignalWaitingTempErr       SignalID = "waiting_temp_err"

	SignalSysVoltageMaxGenerator SignalID = "sys_voltage_max_generator_V"
	SignalSysHighEstErrCat       SignalID = "sys_high_est_err_cat"
	SignalSysEOC                 SignalID = "sys_eoc"
	SignalReachEOCPlease         SignalID = "reach_eoc_please"
	SignalWaitingOKTempCharge    SignalID = "waiting_ok_temp_charge"
	SignalTooManyFailedCells     SignalID = "too_many_failed_cells"
	SignalACHeaterRelay          SignalID = "ac_heater_relay_status"
	SignalACHeaterSwitch         SignalID = "ac_heater_switch_status"
	SignalT1                     SignalID = "t1_C"
	SignalT2                     SignalID = "t2_C"

	SignalChargerPWMCmd          SignalID = "charger_pwm_cmd"
	SignalSysBMIState            SignalID = "sys_bmi_state"
	SignalSysIntIsoError         SignalID = "sys_int_iso_error"
	SignalSysExtIsoError         SignalID = "sys_ext_iso_error"
	SignalBatteryChargeEnabled   SignalID = "battery_charge_en"
	SignalOCVMeasInProgress      SignalID = "ocv_meas_in_progress"
	SignalNoChargeCurrent        SignalID = "no_charge_current"
	SignalChargeOvervoltage      SignalID = "charge_overvoltage"
	SignalChargeOvercurrent      SignalID = "charge_overcurrent"
	SignalBatteryType            SignalID = "battery_type"
	SignalFailedCells            SignalID = "number_of_failed_cells"
	SignalSysBMITempError        SignalID = "sys_bmi_temp_error"
	SignalSysZebraTempError      SignalID = "sys_zebra_temp_error"
	SignalSysThermalIsoError     SignalID = "sys_thermal_iso_error"
	SignalWaitingOKTempDischarge SignalID = "waiting_ok_temp_discharge"

	SignalBMI6Raw SignalID = "bmi6_raw"
)

// Vehicle control unit (VCU), general and shifter frames
const (
	SignalPCUVoltage     SignalID = "pcu_voltage_V"
	SignalSpeed          SignalID = "speed_kmh"
	SignalPCUAmbientTemp SignalID = "pcu_ambient_temp_C"
	SignalMainsVoltage   SignalID = "mains_voltage_V"
	SignalMainsCurrent   SignalID = "mains_current_A"

	SignalShifterHex SignalID = "shifter_hex"
	SignalGear       SignalID = "gear"

	SignalVCUStatus1    SignalID = "vcu_status_1"
	SignalVCUStatus2    SignalID = "vcu_status_2"
	SignalVCUStatus3    SignalID = "vcu_status_3"
	SignalVCU2Raw       SignalID = "vcu2_raw"
	SignalVCUCounter    SignalID = "vcu_counter"
	SignalVCUStatusByte SignalID = "vcu_status_byte"
	SignalVCUMode       SignalID = "vcu_mode"
	SignalVCUReserved   SignalID = "vcu_reserved"
)

// Charger and power control
const (
	SignalMaxAvailableAC         SignalID = "max_available_AC_A"
	SignalChargerStatus          SignalID = "charger_status"
	SignalChargerMode            SignalID = "charger_mode"
	SignalChargerEnabled         SignalID = "charger_enabled"
	SignalChargerVoltageSetpoint SignalID = "charger_voltage_setpoint_V"
	SignalChargerCurrentSetpoint SignalID = "charger_current_setpoint_A"
	SignalChargerState           SignalID = "charger_state"
	SignalChargerTargetVoltage   SignalID = "charger_target_voltage_V"
	SignalChargerTimerHours      SignalID = "charger_timer_h"
	SignalChargerTimerMinutes    SignalID = "charger_timer_m"
	SignalChargerTimestamp       SignalID = "charger_timestamp"
	SignalChargerActive          SignalID = "charger_active"
	SignalVCUChargerCmd          SignalID = "vcu_charger_cmd"
	SignalVCUReady               SignalID = "vcu_ready"
)

// Motor, inverter and HVAC
const (
	SignalMotorRPMRaw    SignalID = "motor_rpm_raw"
	SignalMotorRPM       SignalID = "motor_rpm"
	SignalMotorTorqueRaw SignalID = "motor_torque_raw"
	SignalMotorStatus1   SignalID = "motor_status_1"
	SignalMotorStatus2   SignalID = "motor_status_2"
	SignalMotorTemp      SignalID = "motor_temp_C"

	SignalHVACSetpointRaw SignalID = "hvac_temp_setpoint_raw"
	SignalHVACActualRaw   SignalID = "hvac_temp_actual_raw"
	SignalHVAC2Raw        SignalID = "hvac2_raw"
	SignalHVAC3Raw        SignalID = "hvac3_raw"
	SignalHVAC4Raw        SignalID = "hvac4_raw"
	SignalHVACMode        SignalID = "hvac_mode"
	SignalHVACFanSpeed    SignalID = "hvac_fan_speed"
)

// EnerDel (chemistry-B) battery pack 0x610, 0x611
const (
	SignalIsEnerDel       SignalID = "is_enerdel"
	SignalEPackMaxCell    SignalID = "e_pack_max_cell_V"
	SignalEPackMinCell    SignalID = "e_pack_min_cell_V"
	SignalEPackMaxTemp    SignalID = "e_pack_max_temp_C"
	SignalEPackMinTemp    SignalID = "e_pack_min_temp_C"
	SignalEPackAvgCell    SignalID = "e_pack_avg_cell_V"
	SignalEPackDeltaCell  SignalID = "e_pack_delta_cell_V"
	SignalECellVoltageSOC SignalID = "e_cell_v_soc_pct"
	SignalEPackSOC        SignalID = "e_pack_soc_pct"
	SignalEPackSOC1       SignalID = "e_pack_soc1_pct"
	SignalEPackSOC2       SignalID = "e_pack_soc2_pct"
)

// Diagnostics
const (
	SignalPartNumber1 SignalID = "part_number_1"
	SignalPartNumber2 SignalID = "part_number_2"
	SignalDiag3Raw    SignalID = "diag3_raw"
	SignalDiag4Raw    SignalID = "diag4_raw"
	SignalDiag5Raw    SignalID = "diag5_raw"
)

// Derived signals computed by state merger, trip computer and SOH tracker
const (
	SignalSOC        SignalID = "soc_pct"
	SignalSOHInstant SignalID = "soh_instant_pct"
	SignalSOH        SignalID = "soh_pct"

	SignalConsumptionNow         SignalID = "consumption_now_wh_km"
	SignalConsumptionNowKWh100   SignalID = "consumption_now_kwh_100km"
	SignalConsumptionTrip        SignalID = "consumption_trip_wh_km"
	SignalConsumptionTripKWh100  SignalID = "consumption_trip_kwh_100km"
	SignalConsumptionTotal       SignalID = "consumption_total_wh_km"
	SignalConsumptionTotalKWh100 SignalID = "consumption_total_kwh_100km"
	SignalRange                  SignalID = "range_km"
	SignalTripDistance           SignalID = "trip_distance_km"
	SignalTripEnergy             SignalID = "trip_energy_kWh"
	SignalTotalDistance          SignalID = "total_distance_km"
	SignalTotalEnergy            SignalID = "total_energy_kWh"
	SignalTotalCount             SignalID = "total_count"
)

// SignalDefinition describes signal in catalog
type SignalDefinition struct {
	ID   SignalID
	Kind Kind
	// Unit is physical unit of the value. Empty for flags, counters and raw values.
	Unit string
	// FrameID is arbitration ID of frame that carries this signal. 0 for derived signals.
	FrameID uint32
}

var signalCatalog = map[SignalID]SignalDefinition{}

func define(frameID uint32, kind Kind, unit string, ids ...SignalID) {
	for _, id := range ids {
		signalCatalog[id] = SignalDefinition{ID: id, Kind: kind, Unit: unit, FrameID: frameID}
	}
}

func init() {
	define(0x301, KindFloat, "A", SignalCurrent)
	define(0x301, KindFloat, "V", SignalVoltage)
	define(0x301, KindFloat, "%", SignalDoD)
	define(0x301, KindFloat, "°C", SignalPackTemp)
	define(0x301, KindFloat, "kW", SignalPower)

	define(0x302, KindBool, "", SignalErrGeneral, SignalIsoError)
	define(0x302, KindFloat, "V", SignalVoltsMinDis)
	define(0x302, KindFloat, "A", SignalAmpsMaxDis)

	define(0x303, KindFloat, "A", SignalMaxChargeCurrent)
	define(0x303, KindFloat, "V", SignalMaxChargeVoltage)
	define(0x303, KindBool, "",
		SignalVehicleChargeEnabled, SignalRegenBrakeEnabled, SignalDischargeEnabled, SignalFastChargeEnabled,
		SignalDCDCEnabled, SignalACOn, SignalReducedBatteries, SignalEmergency, SignalCrash, SignalFanStatus,
		SignalSOCGreater102, SignalIsoTestFlag, SignalWaitingTempErr,
	)
	define(0x303, KindInt, "", SignalReleasedBatteries)

	define(0x304, KindFloat, "V", SignalSysVoltageMaxGenerator)
	define(0x304, KindInt, "", SignalSysHighEstErrCat)
	define(0x304, KindBool, "",
		SignalSysEOC, SignalReachEOCPlease, SignalWaitingOKTempCharge, SignalTooManyFailedCells,
		SignalACHeaterRelay, SignalACHeaterSwitch,
	)
	define(0x304, KindFloat, "°C", SignalT1, SignalT2)

	define(0x305, KindFloat, "", SignalChargerPWMCmd, SignalBatteryType, SignalSysBMITempError, SignalSysZebraTempError)
	define(0x305, KindInt, "", SignalSysBMIState, SignalFailedCells)
	define(0x305, KindBool, "",
		SignalSysIntIsoError, SignalSysExtIsoError, SignalBatteryChargeEnabled, SignalOCVMeasInProgress,
		SignalNoChargeCurrent, SignalChargeOvervoltage, SignalChargeOvercurrent, SignalSysThermalIsoError,
		SignalWaitingOKTempDischarge,
	)
	define(0x306, KindRaw, "", SignalBMI6Raw)

	define(0x263, KindFloat, "V", SignalPCUVoltage, SignalMainsVoltage)
	define(0x263, KindFloat, "km/h", SignalSpeed)
	define(0x263, KindFloat, "°C", SignalPCUAmbientTemp)
	define(0x263, KindFloat, "A", SignalMainsCurrent)
	define(0x264, KindString, "", SignalShifterHex, SignalGear)
	define(0x250, KindInt, "", SignalVCUStatus1, SignalVCUStatus2, SignalVCUStatus3)
	define(0x251, KindRaw, "", SignalVCU2Raw)
	define(0x265, KindInt, "", SignalVCUCounter, SignalVCUStatusByte)
	define(0x300, KindInt, "", SignalVCUMode, SignalVCUReserved)

	define(0x311, KindFloat, "A", SignalMaxAvailableAC)
	define(0x310, KindInt, "", SignalChargerStatus, SignalChargerMode)
	define(0x352, KindBool, "", SignalChargerEnabled)
	define(0x352, KindFloat, "V", SignalChargerVoltageSetpoint)
	define(0x352, KindFloat, "A", SignalChargerCurrentSetpoint)
	define(0x353, KindInt, "", SignalChargerState)
	define(0x353, KindFloat, "V", SignalChargerTargetVoltage)
	define(0x354, KindInt, "", SignalChargerTimerHours, SignalChargerTimerMinutes, SignalChargerTimestamp)
	define(0x355, KindBool, "", SignalChargerActive)
	define(0x359, KindInt, "", SignalVCUChargerCmd)
	define(0x359, KindBool, "", SignalVCUReady)

	define(0x3A0, KindInt, "", SignalMotorRPMRaw)
	define(0x3A0, KindInt, "rpm", SignalMotorRPM)
	define(0x3A1, KindInt, "", SignalMotorTorqueRaw, SignalMotorStatus1, SignalMotorStatus2)
	define(0x3A1, KindInt, "°C", SignalMotorTemp)
	define(0x440, KindInt, "", SignalHVACSetpointRaw, SignalHVACActualRaw)
	define(0x441, KindRaw, "", SignalHVAC2Raw)
	define(0x442, KindRaw, "", SignalHVAC3Raw)
	define(0x443, KindRaw, "", SignalHVAC4Raw)
	define(0x444, KindInt, "", SignalHVACMode, SignalHVACFanSpeed)

	define(0x610, KindBool, "", SignalIsEnerDel)
	define(0x610, KindFloat, "V", SignalEPackMaxCell, SignalEPackMinCell)
	define(0x610, KindInt, "°C", SignalEPackMaxTemp, SignalEPackMinTemp)
	define(0x611, KindFloat, "V", SignalEPackAvgCell, SignalEPackDeltaCell)
	define(0x611, KindFloat, "%", SignalECellVoltageSOC, SignalEPackSOC, SignalEPackSOC1, SignalEPackSOC2)

	define(0x30E, KindString, "", SignalPartNumber1)
	define(0x30F, KindString, "", SignalPartNumber2)
	define(0x721, KindRaw, "", SignalDiag3Raw)
	define(0x722, KindRaw, "", SignalDiag4Raw)
	define(0x723, KindRaw, "", SignalDiag5Raw)

	define(0, KindFloat, "%", SignalSOC, SignalSOHInstant, SignalSOH)
	define(0, KindFloat, "Wh/km", SignalConsumptionNow, SignalConsumptionTrip, SignalConsumptionTotal)
	define(0, KindFloat, "kWh/100km", SignalConsumptionNowKWh100, SignalConsumptionTripKWh100, SignalConsumptionTotalKWh100)
	define(0, KindFloat, "km", SignalRange, SignalTripDistance, SignalTotalDistance)
	define(0, KindFloat, "kWh", SignalTripEnergy, SignalTotalEnergy)
	define(0, KindInt, "", SignalTotalCount)
}

// LookupSignal returns catalog definition for signal
func LookupSignal(id SignalID) (SignalDefinition, bool) {
	d, ok := signalCatalog[id]
	return d, ok
}

// Signals returns all catalog definitions sorted by signal name
func Signals() []SignalDefinition {
	result := make([]SignalDefinition, 0, len(signalCatalog))
	for _, d := range signalCatalog {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}
