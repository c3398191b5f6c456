// Package sync implements the gateway sync protocol: the gateway's
// HTTP surface (push/fetch/identify/authorize) and the client-side
// push/fetch/rebase logic that drives it.
package sync

import "github.com/noosphere/sphereengine/pkg/codec"

// Query and header names shared by client and server.
const (
	paramSphereID       = "sphere_id"
	paramLocalTip       = "local_tip"
	paramKnownTip       = "gateway_known_tip"
	paramCounterpart    = "counterpart_sphere_id"
	paramKnown          = "known_tip"
	headerAuthorization = "Authorization"
)

// PushStatus is the outcome a gateway reports for a push.
type PushStatus string

const (
	PushAccepted            PushStatus = "accepted"
	PushCounterpartAdvanced PushStatus = "counterpart-advanced"
)

// PushResponse is the JSON body of a POST /push response.
type PushResponse struct {
	Status PushStatus `json:"status"`
	Tip    string     `json:"tip"`
}

// IdentifyResponse is the JSON body of a GET /identify response.
type IdentifyResponse struct {
	GatewayDID     string `json:"gateway_did"`
	CounterpartDID string `json:"counterpart_did,omitempty"`
}

// AuthorizeRequest is the JSON body of a POST /authorize request.
type AuthorizeRequest struct {
	Name        string   `json:"name"`
	AudienceDID string   `json:"audience_did"`
	Actions     []string `json:"actions"`
	TTLSeconds  int64    `json:"ttl_seconds"`
	IssuerToken string   `json:"issuer_token"`
}

// AuthorizeResponse is the JSON body of a POST /authorize response.
type AuthorizeResponse struct {
	TokenCID string `json:"token_cid"`
}

func parseCIDOrUndef(s string) (codec.CID, error) {
	if s == "" {
		return codec.Undef, nil
	}
	return codec.ParseCID(s)
}
