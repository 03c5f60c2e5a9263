// Package fed implements typed signed clients for the Matrix
// server-server endpoints the core uses, the X-Matrix request signing
// scheme, server-name resolution and the per-destination transaction
// sender.
package fed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_fed_requests_total",
		Help: "Federation client round-trips by destination and status.",
	}, []string{"destination", "status"})
	requestErrTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_fed_request_errors_total",
		Help: "Federation client transport errors by destination.",
	}, []string{"destination"})
)

// Client issues signed requests to peers. The HTTP client (connection
// pool, TLS) is supplied by the caller.
type Client struct {
	signer   Signer
	http     *http.Client
	resolver *resolver
}

// NewClient builds a federation client around an injected http.Client.
func NewClient(signer Signer, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{signer: signer, http: httpClient, resolver: newResolver(httpClient)}
}

// FlushResolver drops cached server-name resolutions.
func (c *Client) FlushResolver() { c.resolver.Flush() }

// SetStaticResolution pins a server name to a dial target (tests,
// static deployments behind a known proxy).
func (c *Client) SetStaticResolution(serverName, target string) {
	c.resolver.SetStatic(serverName, target)
}

// VersionResponse is the peer's reported software version.
type VersionResponse struct {
	Server struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"server"`
}

func (c *Client) Version(ctx context.Context, dst string) (VersionResponse, error) {
	var out VersionResponse
	err := c.get(ctx, dst, "/_matrix/federation/v1/version", &out)
	return out, err
}

// RoomStateResponse carries a state snapshot at an event.
type RoomStateResponse struct {
	AuthChain []json.RawMessage `json:"auth_chain"`
	PDUs      []json.RawMessage `json:"pdus"`
}

func (c *Client) State(ctx context.Context, dst, roomID, eventID string) (RoomStateResponse, error) {
	var out RoomStateResponse
	path := "/_matrix/federation/v1/state/" + url.PathEscape(roomID) +
		"?event_id=" + url.QueryEscape(eventID)
	err := c.get(ctx, dst, path, &out)
	return out, err
}

// RoomStateIDsResponse carries the state snapshot as bare ids.
type RoomStateIDsResponse struct {
	AuthChainIDs []string `json:"auth_chain_ids"`
	PDUIDs       []string `json:"pdu_ids"`
}

func (c *Client) StateIDs(ctx context.Context, dst, roomID, eventID string) (RoomStateIDsResponse, error) {
	var out RoomStateIDsResponse
	path := "/_matrix/federation/v1/state_ids/" + url.PathEscape(roomID) +
		"?event_id=" + url.QueryEscape(eventID)
	err := c.get(ctx, dst, path, &out)
	return out, err
}

// Transaction is the event payload of GET /event and /backfill.
type Transaction struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
	EDUs           []json.RawMessage `json:"edus,omitempty"`
}

func (c *Client) Event(ctx context.Context, dst, eventID string) (Transaction, error) {
	var out Transaction
	err := c.get(ctx, dst, "/_matrix/federation/v1/event/"+url.PathEscape(eventID), &out)
	return out, err
}

func (c *Client) Backfill(ctx context.Context, dst, roomID string, anchors []string, limit int) (Transaction, error) {
	var out Transaction
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	for _, a := range anchors {
		q.Add("v", a)
	}
	path := "/_matrix/federation/v1/backfill/" + url.PathEscape(roomID) + "?" + q.Encode()
	err := c.get(ctx, dst, path, &out)
	return out, err
}

// EventAuthResponse carries the auth chain for an event.
type EventAuthResponse struct {
	AuthChain []json.RawMessage `json:"auth_chain"`
}

func (c *Client) EventAuth(ctx context.Context, dst, roomID, eventID string) (EventAuthResponse, error) {
	var out EventAuthResponse
	path := "/_matrix/federation/v1/event_auth/" + url.PathEscape(roomID) + "/" + url.PathEscape(eventID)
	err := c.get(ctx, dst, path, &out)
	return out, err
}

// QueryAuth exchanges disputed auth chains with a peer.
type QueryAuthRequest struct {
	AuthChain []json.RawMessage `json:"auth_chain"`
	Missing   []string          `json:"missing,omitempty"`
	Rejects   map[string]any    `json:"rejects,omitempty"`
}

func (c *Client) QueryAuth(ctx context.Context, dst, roomID, eventID string, req QueryAuthRequest) (EventAuthResponse, error) {
	var out EventAuthResponse
	path := "/_matrix/federation/v1/query_auth/" + url.PathEscape(roomID) + "/" + url.PathEscape(eventID)
	raw, err := json.Marshal(req)
	if err != nil {
		return out, err
	}
	resp, err := c.do(ctx, http.MethodPost, dst, path, raw)
	if err != nil {
		return out, err
	}
	defer resp.Release()
	return out, json.Unmarshal(resp.Body, &out)
}

// GetMissingEvents walks the gap between earliest and latest.
func (c *Client) GetMissingEvents(ctx context.Context, dst, roomID string, earliest, latest []string, limit int) ([]json.RawMessage, error) {
	body := map[string]any{
		"earliest_events": earliest,
		"latest_events":   latest,
		"limit":           limit,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	path := "/_matrix/federation/v1/get_missing_events/" + url.PathEscape(roomID)
	resp, err := c.do(ctx, http.MethodPost, dst, path, raw)
	if err != nil {
		return nil, err
	}
	defer resp.Release()
	var out struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// MakeJoinResponse is a join template from a resident server.
type MakeJoinResponse struct {
	RoomVersion string          `json:"room_version"`
	Event       json.RawMessage `json:"event"`
}

func (c *Client) MakeJoin(ctx context.Context, dst, roomID, userID string, versions []string) (MakeJoinResponse, error) {
	var out MakeJoinResponse
	q := url.Values{}
	for _, v := range versions {
		q.Add("ver", v)
	}
	path := "/_matrix/federation/v1/make_join/" + url.PathEscape(roomID) + "/" + url.PathEscape(userID)
	if len(versions) > 0 {
		path += "?" + q.Encode()
	}
	err := c.get(ctx, dst, path, &out)
	return out, err
}

// SendJoinResponse returns the room state at the join.
type SendJoinResponse struct {
	AuthChain []json.RawMessage `json:"auth_chain"`
	State     []json.RawMessage `json:"state"`
	Origin    string            `json:"origin"`
}

func (c *Client) SendJoin(ctx context.Context, dst, roomID, eventID string, ev json.RawMessage) (SendJoinResponse, error) {
	var out SendJoinResponse
	path := "/_matrix/federation/v2/send_join/" + url.PathEscape(roomID) + "/" + url.PathEscape(eventID)
	err := c.putJSON(ctx, dst, path, json.RawMessage(ev), &out)
	return out, err
}

// Invite delivers an invite event to the invited user's server.
func (c *Client) Invite(ctx context.Context, dst, roomID, eventID string, ev json.RawMessage, roomVersion string) (json.RawMessage, error) {
	body := map[string]any{
		"event":        json.RawMessage(ev),
		"room_version": roomVersion,
	}
	var out json.RawMessage
	path := "/_matrix/federation/v2/invite/" + url.PathEscape(roomID) + "/" + url.PathEscape(eventID)
	err := c.putJSON(ctx, dst, path, body, &out)
	return out, err
}

// SendResponse maps event_id to its processing result at the peer.
type SendResponse struct {
	PDUs map[string]struct {
		Error string `json:"error,omitempty"`
	} `json:"pdus"`
}

// Send transmits one transaction. Per-destination ordering is enforced
// by the Sender, not here.
func (c *Client) Send(ctx context.Context, dst, txnID string, txn Transaction) (SendResponse, error) {
	var out SendResponse
	err := c.putJSON(ctx, dst, "/_matrix/federation/v1/send/"+url.PathEscape(txnID), txn, &out)
	return out, err
}

// ServerKeys fetches the peer's published key document. Satisfies
// keys.Fetcher.
func (c *Client) ServerKeys(ctx context.Context, serverName string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.get(ctx, serverName, "/_matrix/key/v2/server", &out)
	return out, err
}

// UserDevices queries a user's device list from their server.
func (c *Client) UserDevices(ctx context.Context, dst, userID string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.get(ctx, dst, "/_matrix/federation/v1/user/devices/"+url.PathEscape(userID), &out)
	return out, err
}

// UserKeysQuery queries device identity keys.
func (c *Client) UserKeysQuery(ctx context.Context, dst string, deviceKeys map[string][]string) (json.RawMessage, error) {
	raw, err := json.Marshal(map[string]any{"device_keys": deviceKeys})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, dst, "/_matrix/federation/v1/user/keys/query", raw)
	if err != nil {
		return nil, err
	}
	defer resp.Release()
	out := append(json.RawMessage(nil), resp.Body...)
	return out, nil
}

// UserKeysClaim claims one-time keys.
func (c *Client) UserKeysClaim(ctx context.Context, dst string, oneTimeKeys map[string]map[string]string) (json.RawMessage, error) {
	raw, err := json.Marshal(map[string]any{"one_time_keys": oneTimeKeys})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, dst, "/_matrix/federation/v1/user/keys/claim", raw)
	if err != nil {
		return nil, err
	}
	defer resp.Release()
	out := append(json.RawMessage(nil), resp.Body...)
	return out, nil
}

// PublicRooms lists the peer's published rooms.
func (c *Client) PublicRooms(ctx context.Context, dst string, limit int) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.get(ctx, dst, fmt.Sprintf("/_matrix/federation/v1/publicRooms?limit=%d", limit), &out)
	return out, err
}
