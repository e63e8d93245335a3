// Package signaling negotiates a streaming session before any media
// flows. The camera creates an offer describing what it can send and how
// to reach it; the viewer answers with its selection. The blobs are
// JSON and carry no secrets: authentication happens in the encrypted
// session handshake, and the fingerprints here only let each side check
// it reached the peer it expected.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Version is bumped on incompatible blob changes.
const Version = 1

var (
	ErrVersionMismatch = errors.New("signaling: version mismatch")
	ErrNoCommonCodec   = errors.New("signaling: no common codec")
	ErrSessionMismatch = errors.New("signaling: answer for a different session")
	ErrBadBlob         = errors.New("signaling: malformed blob")
)

// Offer is the camera's opening blob.
type Offer struct {
	Version     int      `json:"version"`
	SessionID   string   `json:"session_id"`
	Fingerprint string   `json:"fingerprint"`
	Codecs      []string `json:"codecs"`
	Transport   string   `json:"transport"`
	Address     string   `json:"address"`
}

// Answer is the viewer's reply, selecting one codec from the offer.
type Answer struct {
	Version     int    `json:"version"`
	SessionID   string `json:"session_id"`
	Fingerprint string `json:"fingerprint"`
	Codec       string `json:"codec"`
}

// Agent negotiates offers and answers for one endpoint.
type Agent struct {
	fingerprint string
	codecs      []string
	transport   string
	address     string
}

// NewAgent returns an agent identified by the base64 certificate
// fingerprint, willing to use the given codecs in preference order.
// transport and address describe where the endpoint listens; the
// answering side may leave them empty.
func NewAgent(fingerprint string, codecs []string, transport, address string) *Agent {
	return &Agent{
		fingerprint: fingerprint,
		codecs:      codecs,
		transport:   transport,
		address:     address,
	}
}

// CreateOffer builds an offer with a fresh session ID.
func (a *Agent) CreateOffer() *Offer {
	return &Offer{
		Version:     Version,
		SessionID:   uuid.NewString(),
		Fingerprint: a.fingerprint,
		Codecs:      append([]string(nil), a.codecs...),
		Transport:   a.transport,
		Address:     a.address,
	}
}

// AcceptOffer validates a received offer and builds the answer,
// selecting the first offered codec this agent also supports.
func (a *Agent) AcceptOffer(o *Offer) (*Answer, error) {
	if o.Version != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, o.Version, Version)
	}
	if o.SessionID == "" || o.Fingerprint == "" {
		return nil, fmt.Errorf("%w: missing session or fingerprint", ErrBadBlob)
	}
	for _, offered := range o.Codecs {
		for _, mine := range a.codecs {
			if offered == mine {
				return &Answer{
					Version:     Version,
					SessionID:   o.SessionID,
					Fingerprint: a.fingerprint,
					Codec:       offered,
				}, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: offered %v, supported %v", ErrNoCommonCodec, o.Codecs, a.codecs)
}

// AcceptAnswer validates the answer against the offer this agent sent.
// On success the returned codec is the negotiated one.
func (a *Agent) AcceptAnswer(o *Offer, ans *Answer) (string, error) {
	if ans.Version != Version {
		return "", fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, ans.Version, Version)
	}
	if ans.SessionID != o.SessionID {
		return "", fmt.Errorf("%w: got %q, want %q", ErrSessionMismatch, ans.SessionID, o.SessionID)
	}
	if ans.Fingerprint == "" {
		return "", fmt.Errorf("%w: missing fingerprint", ErrBadBlob)
	}
	for _, offered := range o.Codecs {
		if ans.Codec == offered {
			return ans.Codec, nil
		}
	}
	return "", fmt.Errorf("%w: answer selected %q, offered %v", ErrNoCommonCodec, ans.Codec, o.Codecs)
}

// EncodeOffer serializes an offer for the exchange carrier.
func EncodeOffer(o *Offer) ([]byte, error) { return json.Marshal(o) }

// DecodeOffer parses an offer blob.
func DecodeOffer(b []byte) (*Offer, error) {
	var o Offer
	if err := json.Unmarshal(b, &o); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBlob, err)
	}
	return &o, nil
}

// EncodeAnswer serializes an answer for the exchange carrier.
func EncodeAnswer(a *Answer) ([]byte, error) { return json.Marshal(a) }

// DecodeAnswer parses an answer blob.
func DecodeAnswer(b []byte) (*Answer, error) {
	var a Answer
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBlob, err)
	}
	return &a, nil
}
