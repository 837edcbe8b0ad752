package model

// FieldKind describes how a field value is typed and validated.
type FieldKind string

const (
	KindText    FieldKind = "text"
	KindInteger FieldKind = "integer"
	KindNumber  FieldKind = "number"
	KindMoney   FieldKind = "money"
	KindPercent FieldKind = "percent"
	KindDate    FieldKind = "date"
)

// FieldDef describes one invoice field: its type, whether downstream billing
// requires it, and optional domain bounds for range checks.
type FieldDef struct {
	Key              string    `json:"key" yaml:"key"`
	Label            string    `json:"label" yaml:"label"`
	Kind             FieldKind `json:"kind" yaml:"kind"`
	Unit             string    `json:"unit,omitempty" yaml:"unit,omitempty"`
	Required         bool      `json:"required" yaml:"required"`
	Min              *float64  `json:"min,omitempty" yaml:"min,omitempty"`
	Max              *float64  `json:"max,omitempty" yaml:"max,omitempty"`
	ComponentOfTotal bool      `json:"component_of_total,omitempty" yaml:"component_of_total,omitempty"`
}

// FieldRegistry is an indexed collection of invoice field definitions.
type FieldRegistry struct {
	Fields     []FieldDef
	byKey      map[string]*FieldDef
	required   []*FieldDef
	components []*FieldDef
}

// NewFieldRegistry creates a FieldRegistry with indexed lookups.
func NewFieldRegistry(fields []FieldDef) *FieldRegistry {
	r := &FieldRegistry{
		Fields: fields,
		byKey:  make(map[string]*FieldDef, len(fields)),
	}
	for i := range r.Fields {
		f := &r.Fields[i]
		r.byKey[f.Key] = f
		if f.Required {
			r.required = append(r.required, f)
		}
		if f.ComponentOfTotal {
			r.components = append(r.components, f)
		}
	}
	return r
}

// ByKey returns the field definition for the given key, or nil if not found.
func (r *FieldRegistry) ByKey(key string) *FieldDef {
	return r.byKey[key]
}

// Required returns all fields required for downstream billing.
func (r *FieldRegistry) Required() []*FieldDef {
	return r.required
}

// Components returns the monetary fields that itemize the declared total.
func (r *FieldRegistry) Components() []*FieldDef {
	return r.components
}

// Numeric reports whether the field kind carries a numeric value.
func (k FieldKind) Numeric() bool {
	switch k {
	case KindInteger, KindNumber, KindMoney, KindPercent:
		return true
	}
	return false
}

func ptr(v float64) *float64 { return &v }

// TotalFieldKey is the declared invoice total that itemized components must
// reconcile against.
const TotalFieldKey = "total_rs"

// UtilityInvoiceFields returns the standard field set for Brazilian utility
// invoices. Monetary amounts are in R$; energy in kWh, demand in kW.
func UtilityInvoiceFields() *FieldRegistry {
	return NewFieldRegistry([]FieldDef{
		// Identity and billing period
		{Key: "invoice_number", Label: "Invoice Number", Kind: KindText, Required: true},
		{Key: "reference_month", Label: "Reference Month", Kind: KindText, Required: true},
		{Key: "issue_date", Label: "Issue Date", Kind: KindDate, Required: true},
		{Key: "due_date", Label: "Due Date", Kind: KindDate, Required: true},
		{Key: "reading_date_previous", Label: "Previous Reading Date", Kind: KindDate},
		{Key: "reading_date_current", Label: "Current Reading Date", Kind: KindDate},
		{Key: "billing_days", Label: "Billing Days", Kind: KindInteger, Min: ptr(1), Max: ptr(45)},
		{Key: "next_reading_date", Label: "Next Reading Date", Kind: KindDate},

		// Parties
		{Key: "distributor_name", Label: "Distributor", Kind: KindText, Required: true},
		{Key: "distributor_tax_id", Label: "Distributor CNPJ", Kind: KindText},
		{Key: "customer_name", Label: "Customer Name", Kind: KindText, Required: true},
		{Key: "customer_tax_id", Label: "Customer CPF/CNPJ", Kind: KindText},
		{Key: "installation_address", Label: "Installation Address", Kind: KindText},

		// Tariff classification
		{Key: "tariff_class", Label: "Tariff Class", Kind: KindText},
		{Key: "tariff_subclass", Label: "Tariff Subclass", Kind: KindText},
		{Key: "tariff_modality", Label: "Tariff Modality", Kind: KindText},
		{Key: "connection_type", Label: "Connection Type", Kind: KindText},
		{Key: "voltage_group", Label: "Voltage Group", Kind: KindText},
		{Key: "tariff_flag", Label: "Tariff Flag", Kind: KindText},

		// Metering
		{Key: "meter_id", Label: "Meter ID", Kind: KindText},
		{Key: "meter_reading_previous", Label: "Previous Meter Reading", Kind: KindNumber, Min: ptr(0)},
		{Key: "meter_reading_current", Label: "Current Meter Reading", Kind: KindNumber, Min: ptr(0)},
		{Key: "meter_constant", Label: "Meter Constant", Kind: KindNumber, Min: ptr(0)},

		// Energy quantities
		{Key: "energy_kwh", Label: "Energy Consumption", Kind: KindNumber, Unit: "kWh", Required: true, Min: ptr(0)},
		{Key: "energy_peak_kwh", Label: "Peak Energy", Kind: KindNumber, Unit: "kWh", Min: ptr(0)},
		{Key: "energy_offpeak_kwh", Label: "Off-Peak Energy", Kind: KindNumber, Unit: "kWh", Min: ptr(0)},
		{Key: "energy_injected_kwh", Label: "Injected Energy", Kind: KindNumber, Unit: "kWh", Min: ptr(0)},
		{Key: "reactive_energy_kvarh", Label: "Reactive Energy", Kind: KindNumber, Unit: "kvarh", Min: ptr(0)},
		{Key: "power_factor", Label: "Power Factor", Kind: KindNumber, Min: ptr(0), Max: ptr(1)},

		// Demand
		{Key: "demand_kw", Label: "Measured Demand", Kind: KindNumber, Unit: "kW", Min: ptr(0)},
		{Key: "demand_contracted_kw", Label: "Contracted Demand", Kind: KindNumber, Unit: "kW", Min: ptr(0)},
		{Key: "demand_billed_kw", Label: "Billed Demand", Kind: KindNumber, Unit: "kW", Min: ptr(0)},
		{Key: "demand_overrun_kw", Label: "Demand Overrun", Kind: KindNumber, Unit: "kW", Min: ptr(0)},

		// Charges (components of the declared total)
		{Key: "energy_charge_rs", Label: "Energy Charge", Kind: KindMoney, ComponentOfTotal: true},
		{Key: "energy_peak_charge_rs", Label: "Peak Energy Charge", Kind: KindMoney, ComponentOfTotal: true},
		{Key: "energy_offpeak_charge_rs", Label: "Off-Peak Energy Charge", Kind: KindMoney, ComponentOfTotal: true},
		{Key: "demand_charge_rs", Label: "Demand Charge", Kind: KindMoney, ComponentOfTotal: true},
		{Key: "demand_overrun_charge_rs", Label: "Demand Overrun Charge", Kind: KindMoney, ComponentOfTotal: true},
		{Key: "distribution_charge_rs", Label: "Distribution Charge (TUSD)", Kind: KindMoney, ComponentOfTotal: true},
		{Key: "transmission_charge_rs", Label: "Transmission Charge", Kind: KindMoney, ComponentOfTotal: true},
		{Key: "tariff_flag_charge_rs", Label: "Tariff Flag Charge", Kind: KindMoney, ComponentOfTotal: true},
		{Key: "public_lighting_rs", Label: "Public Lighting Contribution", Kind: KindMoney, ComponentOfTotal: true},
		{Key: "late_fee_rs", Label: "Late Fee", Kind: KindMoney, ComponentOfTotal: true},
		{Key: "interest_rs", Label: "Interest", Kind: KindMoney, ComponentOfTotal: true},
		{Key: "adjustments_rs", Label: "Adjustments / Credits", Kind: KindMoney, ComponentOfTotal: true},
		{Key: "other_charges_rs", Label: "Other Charges", Kind: KindMoney, ComponentOfTotal: true},

		// Taxes
		{Key: "icms_base_rs", Label: "ICMS Base", Kind: KindMoney, Min: ptr(0)},
		{Key: "icms_rate_pct", Label: "ICMS Rate", Kind: KindPercent, Min: ptr(0), Max: ptr(100)},
		{Key: "icms_rs", Label: "ICMS", Kind: KindMoney, ComponentOfTotal: true},
		{Key: "pis_rate_pct", Label: "PIS Rate", Kind: KindPercent, Min: ptr(0), Max: ptr(100)},
		{Key: "pis_rs", Label: "PIS", Kind: KindMoney, ComponentOfTotal: true},
		{Key: "cofins_rate_pct", Label: "COFINS Rate", Kind: KindPercent, Min: ptr(0), Max: ptr(100)},
		{Key: "cofins_rs", Label: "COFINS", Kind: KindMoney, ComponentOfTotal: true},

		// Total
		{Key: TotalFieldKey, Label: "Invoice Total", Kind: KindMoney, Required: true},
	})
}
