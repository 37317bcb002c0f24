package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	statusPending = 0
	statusDone    = 1
)

type statusPayload struct {
	Status  *int            `json:"status"`
	ErrCode int             `json:"errCode"`
	Message *string         `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type statusData struct {
	Url string `json:"url"`
}

// ClassifyStatusBody classifies one body of the task status endpoint.
// responseUrl is used to resolve relative artifact urls, it may be empty.
//
// A done status without a url in data is INTERIM no matter how often it is
// observed, the backend flips the status before it attaches the file.
func ClassifyStatusBody(body []byte, responseUrl string) (Class, *ArtifactReference, error) {
	var payload statusPayload
	err := json.Unmarshal(body, &payload)
	if err != nil {
		return ClassAmbiguous, nil, fmt.Errorf("parse status body: %w", err)
	}
	if payload.Status == nil {
		return ClassAmbiguous, nil, fmt.Errorf("status body has no status field")
	}

	switch *payload.Status {
	case statusPending:
		return ClassAmbiguous, nil, nil
	case statusDone:
	default:
		msg := ""
		if payload.Message != nil {
			msg = *payload.Message
		}
		return ClassAmbiguous, nil, fmt.Errorf(
			"unknown status %d (errCode %d, message %q)",
			*payload.Status, payload.ErrCode, msg,
		)
	}

	data := bytes.TrimSpace(payload.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) || data[0] != '{' {
		// null, [] and absent data all mean the reference is not attached yet
		return ClassInterim, nil, nil
	}
	var d statusData
	err = json.Unmarshal(data, &d)
	if err != nil {
		return ClassAmbiguous, nil, fmt.Errorf("parse status data: %w", err)
	}
	location := strings.TrimSpace(d.Url)
	if location == "" {
		return ClassInterim, nil, nil
	}

	resolved, err := resolveUrl(responseUrl, location)
	if err != nil {
		return ClassAmbiguous, nil, err
	}
	return ClassTerminal, &ArtifactReference{Kind: ReferenceLocation, URL: resolved}, nil
}

func resolveUrl(base, ref string) (string, error) {
	refUrl, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse artifact url: %w", err)
	}
	if refUrl.IsAbs() || base == "" {
		return refUrl.String(), nil
	}
	baseUrl, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse status url: %w", err)
	}
	return baseUrl.ResolveReference(refUrl).String(), nil
}

// RowState is the visual job state shown by a task row.
type RowState int

const (
	RowUnknown RowState = iota
	RowPending
	RowSuccess
	RowFailed
)

func (s RowState) String() string {
	switch s {
	case RowPending:
		return "pending"
	case RowSuccess:
		return "success"
	case RowFailed:
		return "failed"
	}
	return "unknown"
}

// DefaultStateTokens maps the class tokens of the status icon to a row state.
var DefaultStateTokens = map[string]RowState{
	"loading":    RowPending,
	"pending":    RowPending,
	"processing": RowPending,
	"download":   RowSuccess,
	"success":    RowSuccess,
	"done":       RowSuccess,
	"failed":     RowFailed,
	"fail":       RowFailed,
	"error":      RowFailed,
}

type RowSelectors struct {
	// Icon is the status icon inside the row.
	Icon string `json:"icon"`
	// Affordance is the clickable download control inside the row.
	Affordance string `json:"affordance"`
}

var DefaultRowSelectors = RowSelectors{
	Icon:       "div.icons",
	Affordance: ".download, a[download], [class*='download']",
}

type RowObservation struct {
	State         RowState
	Token         string
	HasAffordance bool
}

// ParseRow reads the state token and download affordance out of the outer
// html of a task row.
func ParseRow(html string, sel RowSelectors, tokens map[string]RowState) (RowObservation, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return RowObservation{}, fmt.Errorf("parse row html: %w", err)
	}

	icon := doc.Find(sel.Icon).First()
	if icon.Length() == 0 {
		return RowObservation{}, fmt.Errorf("status icon %q not found in row", sel.Icon)
	}

	candidates := strings.Fields(icon.AttrOr("class", ""))
	if state, ok := icon.Attr("data-state"); ok {
		candidates = append([]string{state}, candidates...)
	}

	obs := RowObservation{State: RowUnknown}
	for _, token := range candidates {
		state, ok := tokens[strings.ToLower(token)]
		if !ok {
			continue
		}
		// failed outranks success which outranks pending
		if state > obs.State {
			obs.State = state
			obs.Token = token
		}
	}
	if sel.Affordance != "" {
		obs.HasAffordance = doc.Find(sel.Affordance).Length() > 0
	}
	return obs, nil
}

// ClassifyRow turns a row observation into a signal class.
func ClassifyRow(obs RowObservation) Class {
	switch obs.State {
	case RowFailed:
		return ClassFailure
	case RowSuccess:
		if obs.HasAffordance {
			return ClassTerminal
		}
		return ClassInterim
	}
	return ClassAmbiguous
}
