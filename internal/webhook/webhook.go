// Package webhook verifies and parses inbound GitHub pull-request
// webhooks into a normalised payload the server acts on.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
)

// SignatureHeader carries the HMAC of the raw request body.
const SignatureHeader = "X-Hub-Signature-256"

var (
	// ErrEmptyBody is returned when the request body is empty.
	ErrEmptyBody = errors.New("empty request body")
	// ErrBadSignature means the body HMAC did not match.
	ErrBadSignature = errors.New("webhook signature mismatch")
)

// Payload is a parsed pull-request event.
type Payload struct {
	Action            string // "opened", "synchronize", "reopened", "closed", ...
	PullRequestNumber int
	RepoOwner         string
	RepoName          string
	Branch            string
	CommitSha         string
}

// Deploys reports whether the action should (re)deploy a preview.
func (p *Payload) Deploys() bool {
	switch p.Action {
	case "opened", "synchronize", "reopened":
		return true
	}
	return false
}

// Destroys reports whether the action should tear the preview down.
func (p *Payload) Destroys() bool {
	return p.Action == "closed"
}

// VerifySignature checks the GitHub-style sha256 HMAC header against the
// raw body. An empty secret disables verification.
func VerifySignature(secret string, body []byte, header string) error {
	if secret == "" {
		return nil
	}

	want, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	got := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(got), []byte(want)) {
		return ErrBadSignature
	}
	return nil
}

// Parse decodes a pull_request event body.
//
//	{
//	    "action": "synchronize",
//	    "number": 42,
//	    "pull_request": {"head": {"sha": "...", "ref": "feature-x"}},
//	    "repository": {"name": "app", "owner": {"login": "acme"}}
//	}
func Parse(body []byte) (*Payload, error) {
	if len(body) == 0 {
		return nil, ErrEmptyBody
	}

	var evt struct {
		Action      string `json:"action"`
		Number      int    `json:"number"`
		PullRequest struct {
			Head struct {
				Sha string `json:"sha"`
				Ref string `json:"ref"`
			} `json:"head"`
		} `json:"pull_request"`
		Repository struct {
			Name  string `json:"name"`
			Owner struct {
				Login string `json:"login"`
			} `json:"owner"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, errors.New("invalid JSON: " + err.Error())
	}

	if evt.Action == "" || evt.Number == 0 {
		return nil, errors.New("not a pull_request event")
	}

	return &Payload{
		Action:            evt.Action,
		PullRequestNumber: evt.Number,
		RepoOwner:         evt.Repository.Owner.Login,
		RepoName:          evt.Repository.Name,
		Branch:            evt.PullRequest.Head.Ref,
		CommitSha:         evt.PullRequest.Head.Sha,
	}, nil
}
