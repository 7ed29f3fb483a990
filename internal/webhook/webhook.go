// Package webhook verifies and parses inbound git provider webhooks.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"path"
	"regexp"
	"strings"
)

const (
	ProviderGitHub    = "github"
	ProviderGitLab    = "gitlab"
	ProviderBitbucket = "bitbucket"
	ProviderCustom    = "custom"
)

var ErrInvalidPayload = errors.New("invalid webhook payload")

// bitbucketRanges are the published Bitbucket Cloud webhook source networks.
var bitbucketRanges = mustCIDRs(
	"104.192.136.0/21",
	"185.166.140.0/22",
	"18.205.93.0/25",
	"18.234.32.128/25",
	"13.52.5.0/25",
)

// Push is the normalized content of a push (or tag) event.
type Push struct {
	Provider      string `json:"provider"`
	Event         string `json:"event"`
	Ref           string `json:"ref"`
	Branch        string `json:"branch"`
	Tag           string `json:"tag,omitempty"`
	Commit        string `json:"commit"`
	CommitMessage string `json:"commit_message"`
	Sender        string `json:"sender"`
	Pusher        string `json:"pusher"`
}

// SignGitHub returns the X-Hub-Signature-256 value for body.
func SignGitHub(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyGitHub checks X-Hub-Signature-256 in constant time.
func VerifyGitHub(body []byte, secret, signature string) bool {
	if signature == "" || secret == "" {
		return false
	}
	return hmac.Equal([]byte(SignGitHub(body, secret)), []byte(signature))
}

// VerifyToken compares a shared token (X-Gitlab-Token) in constant time.
func VerifyToken(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// BitbucketIPAllowed reports whether ip is inside a Bitbucket Cloud range.
func BitbucketIPAllowed(ip string) bool {
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	for _, n := range bitbucketRanges {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

// SplitRef turns refs/heads/x into branch x and refs/tags/v1 into tag v1.
func SplitRef(ref string) (branch, tag string) {
	switch {
	case strings.HasPrefix(ref, "refs/heads/"):
		return strings.TrimPrefix(ref, "refs/heads/"), ""
	case strings.HasPrefix(ref, "refs/tags/"):
		return "", strings.TrimPrefix(ref, "refs/tags/")
	}
	return ref, ""
}

// ParseGitHub decodes a GitHub push payload.
func ParseGitHub(event string, body []byte) (*Push, error) {
	var p struct {
		Ref        string `json:"ref"`
		After      string `json:"after"`
		HeadCommit struct {
			ID      string `json:"id"`
			Message string `json:"message"`
		} `json:"head_commit"`
		Sender struct {
			Login string `json:"login"`
		} `json:"sender"`
		Pusher struct {
			Name string `json:"name"`
		} `json:"pusher"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, ErrInvalidPayload
	}
	push := &Push{
		Provider:      ProviderGitHub,
		Event:         normalizeEvent(event),
		Ref:           p.Ref,
		Commit:        firstNonEmpty(p.After, p.HeadCommit.ID),
		CommitMessage: p.HeadCommit.Message,
		Sender:        p.Sender.Login,
		Pusher:        p.Pusher.Name,
	}
	push.Branch, push.Tag = SplitRef(p.Ref)
	if push.Tag != "" {
		push.Event = "tag"
	}
	return push, nil
}

// ParseGitLab decodes a GitLab push or tag push payload.
func ParseGitLab(event string, body []byte) (*Push, error) {
	var p struct {
		ObjectKind   string `json:"object_kind"`
		Ref          string `json:"ref"`
		CheckoutSHA  string `json:"checkout_sha"`
		After        string `json:"after"`
		UserUsername string `json:"user_username"`
		UserName     string `json:"user_name"`
		Commits      []struct {
			ID      string `json:"id"`
			Message string `json:"message"`
		} `json:"commits"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, ErrInvalidPayload
	}
	push := &Push{
		Provider: ProviderGitLab,
		Event:    gitlabEvent(event, p.ObjectKind),
		Ref:      p.Ref,
		Commit:   firstNonEmpty(p.CheckoutSHA, p.After),
		Sender:   p.UserUsername,
		Pusher:   firstNonEmpty(p.UserUsername, p.UserName),
	}
	if n := len(p.Commits); n > 0 {
		push.CommitMessage = p.Commits[n-1].Message
		if push.Commit == "" {
			push.Commit = p.Commits[n-1].ID
		}
	}
	push.Branch, push.Tag = SplitRef(p.Ref)
	if push.Tag != "" {
		push.Event = "tag"
	}
	return push, nil
}

// ParseBitbucket decodes a Bitbucket repo:push payload, using the first change.
func ParseBitbucket(eventKey string, body []byte) (*Push, error) {
	var p struct {
		Actor struct {
			DisplayName string `json:"display_name"`
			Nickname    string `json:"nickname"`
		} `json:"actor"`
		Push struct {
			Changes []struct {
				New *struct {
					Type   string `json:"type"`
					Name   string `json:"name"`
					Target struct {
						Hash    string `json:"hash"`
						Message string `json:"message"`
					} `json:"target"`
				} `json:"new"`
			} `json:"changes"`
		} `json:"push"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, ErrInvalidPayload
	}
	push := &Push{
		Provider: ProviderBitbucket,
		Sender:   firstNonEmpty(p.Actor.Nickname, p.Actor.DisplayName),
		Pusher:   p.Actor.DisplayName,
	}
	if eventKey == "repo:push" {
		push.Event = "push"
	} else if strings.HasPrefix(eventKey, "pullrequest:") {
		push.Event = "pull_request"
	}
	for _, c := range p.Push.Changes {
		if c.New == nil {
			continue
		}
		push.Commit = c.New.Target.Hash
		push.CommitMessage = strings.TrimSpace(c.New.Target.Message)
		if c.New.Type == "tag" {
			push.Tag = c.New.Name
			push.Event = "tag"
			push.Ref = "refs/tags/" + c.New.Name
		} else {
			push.Branch = c.New.Name
			push.Ref = "refs/heads/" + c.New.Name
		}
		break
	}
	return push, nil
}

// MatchBranch reports whether branch matches any glob filter. No filters match everything.
func MatchBranch(filters []string, branch string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f == "*" || f == branch {
			return true
		}
		if ok, _ := path.Match(f, branch); ok {
			return true
		}
	}
	return false
}

// DetectProvider guesses the git host from a repository URL.
func DetectProvider(repoURL string) string {
	switch {
	case strings.Contains(repoURL, "github.com"):
		return ProviderGitHub
	case strings.Contains(repoURL, "gitlab"):
		return ProviderGitLab
	case strings.Contains(repoURL, "bitbucket.org"):
		return ProviderBitbucket
	}
	return ProviderCustom
}

var (
	githubRepoPattern    = regexp.MustCompile(`github\.com[/:]([^/]+)/([^/]+?)(?:\.git)?/?$`)
	bitbucketSSHPattern  = regexp.MustCompile(`bitbucket\.org:([^/]+)/([^.]+)`)
	bitbucketHTTPPattern = regexp.MustCompile(`bitbucket\.org/([^/]+)/([^./]+)`)
	gitlabSSHPattern     = regexp.MustCompile(`git@[^:]+:(.+?)(?:\.git)?$`)
	gitlabHTTPPattern    = regexp.MustCompile(`//[^/]+/(.+?)(?:\.git)?/?$`)
)

// GitHubRepo extracts owner and repository from a GitHub URL.
func GitHubRepo(repoURL string) (owner, repo string) {
	m := githubRepoPattern.FindStringSubmatch(repoURL)
	if m == nil {
		return "", ""
	}
	return m[1], m[2]
}

// BitbucketRepo extracts workspace and repository slug.
func BitbucketRepo(repoURL string) (workspace, slug string) {
	if m := bitbucketSSHPattern.FindStringSubmatch(repoURL); m != nil {
		return m[1], m[2]
	}
	if m := bitbucketHTTPPattern.FindStringSubmatch(repoURL); m != nil {
		return m[1], m[2]
	}
	return "", ""
}

// GitLabProjectID returns the URL-encoded namespace/project path.
func GitLabProjectID(repoURL string) string {
	if m := gitlabSSHPattern.FindStringSubmatch(repoURL); m != nil {
		return url.PathEscape(m[1])
	}
	if m := gitlabHTTPPattern.FindStringSubmatch(repoURL); m != nil {
		return url.PathEscape(m[1])
	}
	return ""
}

func normalizeEvent(event string) string {
	if event == "pull_request" || event == "push" || event == "ping" {
		return event
	}
	return strings.ToLower(event)
}

func gitlabEvent(header, kind string) string {
	switch {
	case header == "Push Hook" || kind == "push":
		return "push"
	case header == "Tag Push Hook" || kind == "tag_push":
		return "tag"
	case header == "Merge Request Hook" || kind == "merge_request":
		return "pull_request"
	}
	if kind != "" {
		return kind
	}
	return strings.ToLower(header)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func mustCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}
