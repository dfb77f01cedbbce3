package scraper

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
)

// RPCShape names the observed field numbers of the transparency surface's
// protobuf-over-JSON RPC. The numbers are not documented anywhere; they come
// from watching the site's own requests, and they drift when the frontend
// ships a new proto. Keeping them in one loadable record means a drift is a
// config change, not a code change.
type RPCShape struct {
	// AdvertiserField and CreativeField are the request field numbers
	// carrying the two IDs.
	AdvertiserField string `json:"advertiser_field"`
	CreativeField   string `json:"creative_field"`

	// OptionsField carries the options sub-object, sent verbatim.
	OptionsField string         `json:"options_field"`
	Options      map[string]int `json:"options"`

	// FundedByPath is the dotted numeric path of the funding disclosure in
	// the lookup response.
	FundedByPath string `json:"funded_by_path"`
}

// DefaultRPCShape reflects the surface as last observed.
func DefaultRPCShape() RPCShape {
	return RPCShape{
		AdvertiserField: "1",
		CreativeField:   "2",
		OptionsField:    "5",
		Options:         map[string]int{"2": 1, "3": 1, "4": 1},
		FundedByPath:    "1.9.1",
	}
}

// LoadRPCShape reads an override shape from the file named by
// HARVESTER_RPC_SHAPE_FILE, falling back to the built-in default.
func LoadRPCShape() (RPCShape, error) {
	path := os.Getenv("HARVESTER_RPC_SHAPE_FILE")
	if path == "" {
		return DefaultRPCShape(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RPCShape{}, fmt.Errorf("rpc shape: read %s: %w", path, err)
	}
	shape := DefaultRPCShape()
	if err := json.Unmarshal(data, &shape); err != nil {
		return RPCShape{}, fmt.Errorf("rpc shape: parse %s: %w", path, err)
	}
	return shape, nil
}

// LookupBody builds the form-encoded GetCreativeById request body:
// f.req=<urlencoded JSON envelope>.
func (s RPCShape) LookupBody(advertiserID, creativeID string) (string, error) {
	envelope := map[string]any{
		s.AdvertiserField: advertiserID,
		s.CreativeField:   creativeID,
	}
	if s.OptionsField != "" && len(s.Options) > 0 {
		envelope[s.OptionsField] = s.Options
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("rpc shape: marshal envelope: %w", err)
	}
	return "f.req=" + url.QueryEscape(string(payload)), nil
}

// LookupHeaders builds the request headers the surface expects on its RPCs.
// X-Same-Domain is a CSRF guard; requests without it get an empty 200.
// Accept-Encoding is deliberately absent: the replay goes through the page's
// own fetch, which forbids setting it and supplies gzip/deflate/br itself.
func (s RPCShape) LookupHeaders(origin, referer string) map[string]string {
	return map[string]string{
		"Content-Type":  "application/x-www-form-urlencoded;charset=UTF-8",
		"X-Same-Domain": "1",
		"Origin":        origin,
		"Referer":       referer,
	}
}
