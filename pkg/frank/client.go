package frank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fleetwatt/fleetwatt/pkg/common"
	"github.com/fleetwatt/fleetwatt/pkg/log"
	"github.com/fleetwatt/fleetwatt/pkg/types"
	"github.com/levenlabs/go-lflag"
)

const defaultBaseURL = "https://frank-graphql-prod.graphcdn.app/"

// redactedPlaceholder replaces credential-bearing variables before a request
// payload is logged.
const redactedPlaceholder = "***REDACTED***"

// redactedVariables are the variable names that never reach the log output.
var redactedVariables = []string{
	"password", "email", "authToken", "refreshToken", "token",
	"authorization", "Authorization",
}

// Client talks to the Frank Energie smart-battery GraphQL API. It owns the
// current credentials: a successful Login replaces them wholesale and every
// subsequent request borrows them for its Authorization header.
//
// The client classifies every response into one of success, *TransportError,
// *ApplicationError or ErrAuthExpired; callers never inspect HTTP statuses or
// GraphQL error strings themselves.
type Client struct {
	client  *http.Client
	baseURL string

	mu    sync.Mutex
	creds types.Credentials
}

// New returns a client against the production endpoint.
func New() *Client {
	return &Client{
		client:  common.HTTPClient(time.Minute),
		baseURL: defaultBaseURL,
	}
}

// Configured returns a client whose endpoint can be overridden via flags.
func Configured() *Client {
	c := New()
	baseURL := lflag.String("frank-graphql-url", defaultBaseURL, "Frank Energie GraphQL endpoint")
	lflag.Do(func() {
		c.baseURL = *baseURL
	})
	return c
}

// Credentials returns the currently held token pair.
func (c *Client) Credentials() types.Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

// Authenticated reports whether a token pair is held.
func (c *Client) Authenticated() bool {
	return c.Credentials().Valid()
}

type request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables,omitempty"`
}

type envelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []APIError      `json:"errors"`
}

// execute posts the operation and classifies the result. dest receives the
// decoded data field on success.
func (c *Client) execute(ctx context.Context, req request, dest any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if creds := c.Credentials(); creds.Valid() {
		httpReq.Header.Set("Authorization", "Bearer "+creds.AuthToken)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{Status: resp.StatusCode}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &TransportError{Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	if len(env.Errors) > 0 {
		// Log the outbound request to aid debugging, with credentials stripped.
		log.Ctx(ctx).ErrorContext(ctx, "graphql returned errors",
			slog.String("operation", req.OperationName),
			slog.Any("errors", env.Errors),
			slog.Any("request", redacted(req)),
		)
		for _, apiErr := range env.Errors {
			if apiErr.Message == authNotAuthorisedMessage {
				return ErrAuthExpired
			}
		}
		return &ApplicationError{Errors: env.Errors}
	}

	if dest != nil {
		if err := json.Unmarshal(env.Data, dest); err != nil {
			return &TransportError{Err: fmt.Errorf("failed to decode data: %w", err)}
		}
	}
	return nil
}

// redacted returns a copy of req safe for logging. Redaction is best effort:
// if anything goes wrong the original request is logged rather than losing
// the log line entirely.
func redacted(req request) (out request) {
	out = req
	defer func() {
		if recover() != nil {
			out = req
		}
	}()
	if req.Variables == nil {
		return out
	}
	vars := make(map[string]any, len(req.Variables))
	for k, v := range req.Variables {
		vars[k] = v
	}
	for _, k := range redactedVariables {
		if v, ok := vars[k]; ok && v != nil {
			vars[k] = redactedPlaceholder
		}
	}
	out.Variables = vars
	return out
}

const loginQuery = `
	mutation Login($email: String!, $password: String!) {
		login(email: $email, password: $password) {
			authToken
			refreshToken
		}
	}
`

// Login authenticates with the account credentials and stores the returned
// token pair on the client. Any failure, including a response that carries no
// credentials, is returned as an *AuthError.
func (c *Client) Login(ctx context.Context, email, password string) (types.Credentials, error) {
	if email == "" {
		return types.Credentials{}, &AuthError{Err: errors.New("missing email")}
	}
	if password == "" {
		return types.Credentials{}, &AuthError{Err: errors.New("missing password")}
	}

	var res struct {
		Login types.Credentials `json:"login"`
	}
	err := c.execute(ctx, request{
		Query:         loginQuery,
		OperationName: "Login",
		Variables:     map[string]any{"email": email, "password": password},
	}, &res)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "login failed", slog.Any("error", err))
		return types.Credentials{}, &AuthError{Err: err}
	}
	if !res.Login.Valid() {
		return types.Credentials{}, &AuthError{Err: errors.New("login response carried no credentials")}
	}

	c.mu.Lock()
	c.creds = res.Login
	c.mu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "login success", slog.String("email", email))
	return res.Login, nil
}

const smartBatteriesQuery = `
	query SmartBatteries {
		smartBatteries {
			id
		}
	}
`

// SmartBatteries discovers the device ids on the account. An empty fleet is a
// valid outcome, not an error.
func (c *Client) SmartBatteries(ctx context.Context) ([]types.Device, error) {
	var res struct {
		SmartBatteries []types.Device `json:"smartBatteries"`
	}
	err := c.execute(ctx, request{
		Query:         smartBatteriesQuery,
		OperationName: "SmartBatteries",
	}, &res)
	if err != nil {
		return nil, err
	}
	return res.SmartBatteries, nil
}

const smartBatteryQuery = `
	query SmartBattery($deviceId: String!) {
		smartBattery(deviceId: $deviceId) {
			brand
			capacity
			createdAt
			externalReference
			id
			maxChargePower
			maxDischargePower
			provider
			updatedAt
			settings {
				batteryMode
				imbalanceTradingStrategy
				selfConsumptionTradingAllowed
			}
		}
		smartBatterySummary(deviceId: $deviceId) {
			lastKnownStateOfCharge
			lastKnownStatus
			lastUpdate
			totalResult
		}
	}
`

// BatteryDetails is the combined result of the SmartBattery operation:
// device detail, trading settings and the latest summary.
type BatteryDetails struct {
	Device   types.Device
	Settings types.DeviceSettings
	Summary  types.DeviceSummary
}

// SmartBattery fetches the detail and summary of a single device.
func (c *Client) SmartBattery(ctx context.Context, deviceID string) (BatteryDetails, error) {
	var res struct {
		SmartBattery struct {
			types.Device
			Settings types.DeviceSettings `json:"settings"`
		} `json:"smartBattery"`
		SmartBatterySummary types.DeviceSummary `json:"smartBatterySummary"`
	}
	err := c.execute(ctx, request{
		Query:         smartBatteryQuery,
		OperationName: "SmartBattery",
		Variables:     map[string]any{"deviceId": deviceID},
	}, &res)
	if err != nil {
		return BatteryDetails{}, err
	}
	return BatteryDetails{
		Device:   res.SmartBattery.Device,
		Settings: res.SmartBattery.Settings,
		Summary:  res.SmartBatterySummary,
	}, nil
}

const smartBatterySessionsQuery = `
	query SmartBatterySessions($startDate: String!, $endDate: String!, $deviceId: String!) {
		smartBatterySessions(
			startDate: $startDate
			endDate: $endDate
			deviceId: $deviceId
		) {
			deviceId
			periodStartDate
			periodEndDate
			periodEpexResult
			periodFrankSlim
			periodImbalanceResult
			periodTotalResult
			periodTradeIndex
			periodTradingResult
			totalTradingResult
			sessions {
				cumulativeResult
				date
				result
			}
		}
	}
`

// SmartBatterySessions fetches the trading session result of a device over
// the given date window. Dates are sent as YYYY-MM-DD.
func (c *Client) SmartBatterySessions(ctx context.Context, deviceID string, start, end time.Time) (types.SessionResult, error) {
	var res struct {
		SmartBatterySessions types.SessionResult `json:"smartBatterySessions"`
	}
	err := c.execute(ctx, request{
		Query:         smartBatterySessionsQuery,
		OperationName: "SmartBatterySessions",
		Variables: map[string]any{
			"deviceId":  deviceID,
			"startDate": start.Format("2006-01-02"),
			"endDate":   end.Format("2006-01-02"),
		},
	}, &res)
	if err != nil {
		return types.SessionResult{}, err
	}
	return res.SmartBatterySessions, nil
}
