package types

// Credentials is the bearer token pair returned by a successful login.
// A re-login replaces the pair wholesale; the two tokens are never mixed
// across logins.
type Credentials struct {
	AuthToken    string `json:"authToken"`
	RefreshToken string `json:"refreshToken"`
}

// Valid reports whether the credentials can be attached to a request.
func (c Credentials) Valid() bool {
	return c.AuthToken != ""
}

// Device describes a single smart battery on the account. Discovered once at
// startup; the detail fields are not expected to change within a run.
type Device struct {
	ID                string  `json:"id"`
	Brand             string  `json:"brand"`
	Provider          string  `json:"provider"`
	ExternalReference string  `json:"externalReference"`
	Capacity          float64 `json:"capacity"`
	MaxChargePower    float64 `json:"maxChargePower"`
	MaxDischargePower float64 `json:"maxDischargePower"`
	CreatedAt         string  `json:"createdAt"`
	UpdatedAt         string  `json:"updatedAt"`
}

// DeviceSettings is the trading configuration of a battery. Refetched every
// cycle and fed into mode resolution.
type DeviceSettings struct {
	BatteryMode                   string `json:"batteryMode"`
	ImbalanceTradingStrategy      string `json:"imbalanceTradingStrategy"`
	SelfConsumptionTradingAllowed bool   `json:"selfConsumptionTradingAllowed"`
}

// DeviceSummary is the latest reported state of a battery. A nil
// LastKnownStateOfCharge means the device never reported one; an empty
// LastUpdate means the same for the timestamp.
type DeviceSummary struct {
	LastKnownStateOfCharge *float64 `json:"lastKnownStateOfCharge"`
	LastKnownStatus        string   `json:"lastKnownStatus"`
	LastUpdate             string   `json:"lastUpdate"`
	TotalResult            float64  `json:"totalResult"`
}

// SessionDay is a single day entry inside a trading session result.
type SessionDay struct {
	Date             string  `json:"date"`
	Result           float64 `json:"result"`
	CumulativeResult float64 `json:"cumulativeResult"`
}

// SessionResult is a battery's trading result over a date window. Monetary
// fields are EUR amounts; fields the API omits decode to zero, which is also
// how they are treated when summing fleet totals.
type SessionResult struct {
	DeviceID              string       `json:"deviceId"`
	PeriodStartDate       string       `json:"periodStartDate"`
	PeriodEndDate         string       `json:"periodEndDate"`
	PeriodEpexResult      float64      `json:"periodEpexResult"`
	PeriodFrankSlim       float64      `json:"periodFrankSlim"`
	PeriodImbalanceResult float64      `json:"periodImbalanceResult"`
	PeriodTotalResult     float64      `json:"periodTotalResult"`
	PeriodTradeIndex      float64      `json:"periodTradeIndex"`
	PeriodTradingResult   float64      `json:"periodTradingResult"`
	TotalTradingResult    float64      `json:"totalTradingResult"`
	Sessions              []SessionDay `json:"sessions"`
}

// Tracked monetary fields of a SessionResult.
const (
	ResultFieldPeriodEpex      = "periodEpexResult"
	ResultFieldPeriodFrankSlim = "periodFrankSlim"
	ResultFieldPeriodImbalance = "periodImbalanceResult"
	ResultFieldPeriodTotal     = "periodTotalResult"
	ResultFieldPeriodTrading   = "periodTradingResult"
	ResultFieldTotalTrading    = "totalTradingResult"
)

// ResultFields is the fixed, ordered set of monetary fields that get summed
// into fleet totals.
var ResultFields = []string{
	ResultFieldPeriodEpex,
	ResultFieldPeriodFrankSlim,
	ResultFieldPeriodImbalance,
	ResultFieldPeriodTotal,
	ResultFieldPeriodTrading,
	ResultFieldTotalTrading,
}

// ResultField returns the named monetary field. Unknown names return zero.
func (s SessionResult) ResultField(name string) float64 {
	switch name {
	case ResultFieldPeriodEpex:
		return s.PeriodEpexResult
	case ResultFieldPeriodFrankSlim:
		return s.PeriodFrankSlim
	case ResultFieldPeriodImbalance:
		return s.PeriodImbalanceResult
	case ResultFieldPeriodTotal:
		return s.PeriodTotalResult
	case ResultFieldPeriodTrading:
		return s.PeriodTradingResult
	case ResultFieldTotalTrading:
		return s.TotalTradingResult
	}
	return 0
}

// DeviceView is the latest known snapshot of a device. A view is replaced as
// a whole on a successful cycle, never merged from two different cycles. An
// empty ResolvedMode means the mode could not be resolved from the settings.
type DeviceView struct {
	Device        Device         `json:"device"`
	Settings      DeviceSettings `json:"settings"`
	Summary       DeviceSummary  `json:"summary"`
	LatestSession SessionResult  `json:"latestSession"`
	ResolvedMode  string         `json:"resolvedMode,omitempty"`
}

// FleetTotals is the aggregate over the current device views, recomputed in
// full every cycle. Sums has an entry for every name in ResultFields. A nil
// AverageStateOfCharge means no device reported a state of charge; an empty
// MostRecentUpdate means no device reported a timestamp.
type FleetTotals struct {
	Sums                 map[string]float64 `json:"sums"`
	AverageStateOfCharge *float64           `json:"averageStateOfCharge,omitempty"`
	MostRecentMode       string             `json:"mostRecentMode,omitempty"`
	MostRecentUpdate     string             `json:"mostRecentUpdate,omitempty"`
}
