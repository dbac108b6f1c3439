// Package auth handles the WWW-Authenticate challenges from a registry and
// generates the Authorization headers for subsequent requests.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrEmptyChallenge indicates an issue with the received challenge in the WWW-Authenticate header
	ErrEmptyChallenge = errors.New("empty challenge header")
	// ErrInvalidChallenge indicates an issue with the received challenge in the WWW-Authenticate header
	ErrInvalidChallenge = errors.New("invalid challenge header")
	// ErrNoNewChallenge indicates a challenge update did not result in any change
	ErrNoNewChallenge = errors.New("no new challenge")
	// ErrNotFound indicates no credentials found for basic auth
	ErrNotFound = errors.New("not found")
	// ErrParseFailure indicates the WWW-Authenticate header could not be parsed
	ErrParseFailure = errors.New("parse failure")
	// ErrUnauthorized request was not authorized
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnsupported indicates the request was unsupported
	ErrUnsupported = errors.New("unsupported")
)

type charLU byte

var charLUs [256]charLU

const (
	isSpace charLU = 1 << iota
	isAlphaNum
)

func init() {
	for c := 0; c < 256; c++ {
		charLUs[c] = 0
		if strings.ContainsRune(" \t\r\n", rune(c)) {
			charLUs[c] |= isSpace
		}
		if (rune('a') <= rune(c) && rune(c) <= rune('z')) ||
			(rune('A') <= rune(c) && rune(c) <= rune('Z')) ||
			(rune('0') <= rune(c) && rune(c) <= rune('9')) {
			charLUs[c] |= isAlphaNum
		}
	}
}

var defaultClientID = "imagesync"

// minTokenLife tokens are required to last at least 60 seconds to support older docker clients
var minTokenLife = 60

// Cred is returned by the CredsFn
type Cred struct {
	User, Password, Token string
}

// CredsFn is passed to lookup credentials for a given hostname,
// response is a username and password or empty strings
type CredsFn func(string) Cred

// challenge is the extracted contents of the WWW-Authenticate header
type challenge struct {
	authType string
	params   map[string]string
}

// handler handles a challenge for a host to return an auth header
type handler interface {
	AddScope(scope string) error
	ProcessChallenge(challenge) error
	GenerateAuth() (string, error)
}

// handlerBuild is used to make a new handler for a specific authType and URL
type handlerBuild func(client *http.Client, clientID, host string, credsFn CredsFn, log *logrus.Logger) handler

// Opts configures options for NewAuth
type Opts func(*Auth)

// Auth is used to handle authentication requests
type Auth struct {
	httpClient *http.Client
	clientID   string
	credsFn    CredsFn
	hbs        map[string]handlerBuild       // handler builders based on authType
	hs         map[string]map[string]handler // handlers based on url and authType
	authTypes  []string
	log        *logrus.Logger
	mu         sync.Mutex
}

// NewAuth creates a new Auth
func NewAuth(opts ...Opts) *Auth {
	a := &Auth{
		httpClient: &http.Client{},
		clientID:   defaultClientID,
		credsFn:    DefaultCredsFn,
		hbs:        map[string]handlerBuild{},
		hs:         map[string]map[string]handler{},
		authTypes:  []string{},
		log:        &logrus.Logger{Out: io.Discard},
	}
	for _, opt := range opts {
		opt(a)
	}
	if len(a.authTypes) == 0 {
		a.addDefaultHandlers()
	}
	return a
}

// WithCreds provides a user/pass lookup for a url
func WithCreds(f CredsFn) Opts {
	return func(a *Auth) {
		if f != nil {
			a.credsFn = f
		}
	}
}

// WithHTTPClient uses a specific http client with requests
func WithHTTPClient(h *http.Client) Opts {
	return func(a *Auth) {
		if h != nil {
			a.httpClient = h
		}
	}
}

// WithClientID uses a client ID with request headers
func WithClientID(clientID string) Opts {
	return func(a *Auth) {
		a.clientID = clientID
	}
}

// WithLog injects a logrus Logger
func WithLog(log *logrus.Logger) Opts {
	return func(a *Auth) {
		a.log = log
	}
}

// AddScope extends an existing auth with additional scopes.
// This is used to pre-populate scopes with the registry's hint before
// sending a request that would otherwise be denied.
func (a *Auth) AddScope(host, scope string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	success := false
	if a.hs[host] == nil {
		return ErrNoNewChallenge
	}
	for _, at := range a.authTypes {
		if a.hs[host][at] != nil {
			err := a.hs[host][at].AddScope(scope)
			if err == nil {
				success = true
			} else if !errors.Is(err, ErrNoNewChallenge) {
				return err
			}
		}
	}
	if !success {
		return ErrNoNewChallenge
	}
	a.log.WithFields(logrus.Fields{
		"host":  host,
		"scope": scope,
	}).Debug("Auth scope added")
	return nil
}

// HandleResponse parses a 401 response, registering or updating the auth
// handler for the host. Serialized so concurrent 401s trigger a single
// token refresh.
func (a *Auth) HandleResponse(resp *http.Response) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	// verify response is an access denied
	if resp.StatusCode != http.StatusUnauthorized {
		return ErrUnsupported
	}

	// identify host for the request
	host := resp.Request.URL.Host
	// parse WWW-Authenticate header
	cl, err := parseAuthHeaders(resp.Header.Values("WWW-Authenticate"))
	if err != nil {
		return err
	}
	a.log.WithFields(logrus.Fields{
		"challenge": cl,
	}).Debug("Auth request parsed")
	if len(cl) < 1 {
		return ErrEmptyChallenge
	}
	goodChallenge := false
	for _, c := range cl {
		if _, ok := a.hbs[c.authType]; !ok {
			a.log.WithFields(logrus.Fields{
				"authtype": c.authType,
			}).Warn("Unsupported auth type")
			continue
		}
		if _, ok := a.hs[host]; !ok {
			a.hs[host] = map[string]handler{}
		}
		if _, ok := a.hs[host][c.authType]; !ok {
			h := a.hbs[c.authType](a.httpClient, a.clientID, host, a.credsFn, a.log)
			if h == nil {
				continue
			}
			a.hs[host][c.authType] = h
		}
		err := a.hs[host][c.authType].ProcessChallenge(c)
		if err == nil {
			goodChallenge = true
		} else if errors.Is(err, ErrNoNewChallenge) {
			// handle race condition when another request updated the challenge,
			// detect that by seeing the current auth header is different
			prevAH := resp.Request.Header.Get("Authorization")
			ah, err := a.hs[host][c.authType].GenerateAuth()
			if err == nil && prevAH != ah {
				goodChallenge = true
			}
		} else {
			return err
		}
	}
	if !goodChallenge {
		return ErrUnauthorized
	}
	return nil
}

// UpdateRequest adds the Authorization header for the request's host when a
// handler is available, a noop otherwise.
func (a *Auth) UpdateRequest(req *http.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	host := req.URL.Host
	if a.hs[host] == nil {
		return nil
	}
	var err error
	var ah string
	for _, at := range a.authTypes {
		if a.hs[host][at] != nil {
			ah, err = a.hs[host][at].GenerateAuth()
			if err != nil {
				a.log.WithFields(logrus.Fields{
					"err":      err,
					"host":     host,
					"authtype": at,
				}).Debug("Failed to generate auth")
				continue
			}
			req.Header.Set("Authorization", ah)
			break
		}
	}
	return err
}

func (a *Auth) addDefaultHandlers() {
	if _, ok := a.hbs["basic"]; !ok {
		a.hbs["basic"] = NewBasicHandler
		a.authTypes = append(a.authTypes, "basic")
	}
	if _, ok := a.hbs["bearer"]; !ok {
		a.hbs["bearer"] = NewBearerHandler
		a.authTypes = append(a.authTypes, "bearer")
	}
}

// DefaultCredsFn is used to return no credentials when auth is not configured with a CredsFn
// This avoids the need to check for nil pointers
func DefaultCredsFn(h string) Cred {
	return Cred{}
}

// parseAuthHeaders extracts the scheme and realm from WWW-Authenticate headers
func parseAuthHeaders(ahl []string) ([]challenge, error) {
	var cl []challenge
	for _, ah := range ahl {
		c, err := parseAuthHeader(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to parse challenge header \"%s\": %w", ah, err)
		}
		cl = append(cl, c...)
	}
	return cl, nil
}

// parseAuthHeader parses a single WWW-Authenticate header line.
// Example values:
// Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:samalba/my-app:pull,push"
// Basic realm="GitHub Package Registry"
func parseAuthHeader(ah string) ([]challenge, error) {
	var cl []challenge
	var c *challenge
	var eb, atb, kb, vb []byte // element, auth type, key, value bytes
	state := "string"

	for _, b := range []byte(ah) {
		switch state {
		case "string":
			if len(eb) == 0 {
				// beginning of string
				if b == '"' {
					state = "quoted"
				} else if charLUs[b]&isAlphaNum != 0 {
					eb = append(eb, b)
				} else if charLUs[b]&isSpace != 0 {
					// ignore leading whitespace
				} else {
					return nil, ErrParseFailure
				}
			} else {
				if charLUs[b]&isAlphaNum != 0 {
					eb = append(eb, b)
				} else if b == '=' && len(atb) > 0 {
					// equals when authtype is defined makes this a key
					kb = eb
					eb = []byte{}
					state = "value"
				} else if charLUs[b]&isSpace != 0 {
					// space ends the element
					atb = eb
					eb = []byte{}
					c = &challenge{authType: strings.ToLower(string(atb)), params: map[string]string{}}
					cl = append(cl, *c)
				} else {
					return nil, ErrParseFailure
				}
			}

		case "value":
			if charLUs[b]&isAlphaNum != 0 || b == '/' || b == ':' || b == '.' || b == '-' || b == '_' {
				vb = append(vb, b)
			} else if b == '"' && len(vb) == 0 {
				state = "quoted"
			} else if charLUs[b]&isSpace != 0 || b == ',' {
				c.params[strings.ToLower(string(kb))] = string(vb)
				kb = []byte{}
				vb = []byte{}
				if b == ',' {
					state = "string"
				} else {
					state = "endvalue"
				}
			} else {
				return nil, ErrParseFailure
			}

		case "quoted":
			if b == '"' {
				c.params[strings.ToLower(string(kb))] = string(vb)
				kb = []byte{}
				vb = []byte{}
				state = "endvalue"
			} else if b == '\\' {
				state = "escape"
			} else {
				// all other bytes in a quoted string are taken as-is
				vb = append(vb, b)
			}

		case "endvalue":
			if charLUs[b]&isSpace != 0 {
				// ignore trailing whitespace
			} else if b == ',' {
				state = "string"
			} else {
				return nil, ErrParseFailure
			}

		case "escape":
			vb = append(vb, b)
			state = "quoted"

		default:
			return nil, ErrParseFailure
		}
	}

	// process any content left at end of string, and handle any unfinished sections
	switch state {
	case "string":
		if len(eb) != 0 {
			atb = eb
			c = &challenge{authType: strings.ToLower(string(atb)), params: map[string]string{}}
			cl = append(cl, *c)
		}
	case "value":
		if len(vb) != 0 {
			c.params[strings.ToLower(string(kb))] = string(vb)
		}
	case "quoted", "escape":
		return nil, ErrParseFailure
	}

	return cl, nil
}

// basicHandler supports Basic auth type requests
type basicHandler struct {
	realm   string
	host    string
	credsFn CredsFn
}

// NewBasicHandler creates a new basicHandler
func NewBasicHandler(client *http.Client, clientID, host string, credsFn CredsFn, log *logrus.Logger) handler {
	return &basicHandler{
		realm:   "",
		host:    host,
		credsFn: credsFn,
	}
}

// AddScope is not valid for basic auth
func (b *basicHandler) AddScope(scope string) error {
	return ErrNoNewChallenge
}

// ProcessChallenge for basicHandler stores the realm
func (b *basicHandler) ProcessChallenge(c challenge) error {
	if _, ok := c.params["realm"]; !ok {
		return ErrInvalidChallenge
	}
	if b.realm != c.params["realm"] {
		b.realm = c.params["realm"]
		return nil
	}
	return ErrNoNewChallenge
}

// GenerateAuth for basicHandler generates base64 encoded user/pass for a host
func (b *basicHandler) GenerateAuth() (string, error) {
	cred := b.credsFn(b.host)
	if cred.User == "" || cred.Password == "" {
		return "", fmt.Errorf("no credentials available for %s: %w", b.host, ErrNotFound)
	}
	auth := base64.StdEncoding.EncodeToString([]byte(cred.User + ":" + cred.Password))
	return fmt.Sprintf("Basic %s", auth), nil
}

// bearerHandler supports Bearer auth type requests
type bearerHandler struct {
	client         *http.Client
	clientID       string
	realm, service string
	host           string
	credsFn        CredsFn
	scopes         []string
	token          bearerToken
	log            *logrus.Logger
}

// bearerToken is the json response to the Bearer request
type bearerToken struct {
	Token        string    `json:"token"`
	AccessToken  string    `json:"access_token"`
	ExpiresIn    int       `json:"expires_in"`
	IssuedAt     time.Time `json:"issued_at"`
	RefreshToken string    `json:"refresh_token"`
	Scope        string    `json:"scope"`
}

// NewBearerHandler creates a new bearerHandler
func NewBearerHandler(client *http.Client, clientID, host string, credsFn CredsFn, log *logrus.Logger) handler {
	return &bearerHandler{
		client:   client,
		clientID: clientID,
		host:     host,
		credsFn:  credsFn,
		realm:    "",
		service:  "",
		scopes:   []string{},
		log:      log,
	}
}

// AddScope appends a new scope, invalidating the cached token when the scope
// was not already included.
func (b *bearerHandler) AddScope(scope string) error {
	if b.scopeExists(scope) {
		if b.token.Token == "" || !b.isExpired() {
			return ErrNoNewChallenge
		}
		return nil
	}
	return b.addScope(scope)
}

// knownAction restricts merging to the actions defined by the distribution
// spec, unknown actions are requested as their own scope entry
func knownAction(action string) bool {
	switch action {
	case "pull", "push", "delete":
		return true
	default:
		return false
	}
}

func (b *bearerHandler) addScope(scope string) error {
	// scopes are in the form "repository:name:pull,push", known actions on the
	// same resource are merged into a single scope entry
	merged := false
	i := strings.LastIndex(scope, ":")
	if i > 0 {
		resource := scope[:i+1]
		actions := strings.Split(scope[i+1:], ",")
		mergeable := true
		for _, action := range actions {
			if !knownAction(action) {
				mergeable = false
				break
			}
		}
		if mergeable {
			for j, cur := range b.scopes {
				if !strings.HasPrefix(cur, resource) {
					continue
				}
				curActions := strings.Split(cur[len(resource):], ",")
				curKnown := true
				for _, curAction := range curActions {
					if !knownAction(curAction) {
						curKnown = false
						break
					}
				}
				if !curKnown {
					continue
				}
				for _, action := range actions {
					found := false
					for _, curAction := range curActions {
						if action == curAction {
							found = true
							break
						}
					}
					if !found {
						curActions = append(curActions, action)
					}
				}
				b.scopes[j] = resource + strings.Join(curActions, ",")
				merged = true
				break
			}
		}
	}
	if !merged {
		b.scopes = append(b.scopes, scope)
	}
	// delete any scope specific token
	b.token.Token = ""
	return nil
}

// ProcessChallenge handles WWW-Authenticate header for bearer tokens
// Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:samalba/my-app:pull,push"
func (b *bearerHandler) ProcessChallenge(c challenge) error {
	if _, ok := c.params["realm"]; !ok {
		return ErrInvalidChallenge
	}
	if _, ok := c.params["service"]; !ok {
		c.params["service"] = ""
	}
	if _, ok := c.params["scope"]; !ok {
		c.params["scope"] = ""
	}

	existingScope := b.scopeExists(c.params["scope"])

	if b.realm == c.params["realm"] && b.service == c.params["service"] &&
		existingScope && b.token.Token != "" && !b.isExpired() {
		return ErrNoNewChallenge
	}

	if b.realm == "" {
		b.realm = c.params["realm"]
	} else if b.realm != c.params["realm"] {
		return ErrInvalidChallenge
	}
	if b.service == "" {
		b.service = c.params["service"]
	} else if b.service != c.params["service"] {
		return ErrInvalidChallenge
	}
	if !existingScope && c.params["scope"] != "" {
		return b.addScope(c.params["scope"])
	}
	return nil
}

// GenerateAuth for bearerHandler returns the cached token, requesting a new
// token from the authorization service when needed.
func (b *bearerHandler) GenerateAuth() (string, error) {
	// if unexpired token already exists, return it
	if b.token.Token != "" && !b.isExpired() {
		return fmt.Sprintf("Bearer %s", b.token.Token), nil
	}

	// refresh an expired token with the oauth form, identity tokens from the
	// credential helper are used the same way
	if b.token.RefreshToken != "" || b.credsFn(b.host).Token != "" {
		if err := b.tryPost(); err == nil {
			return fmt.Sprintf("Bearer %s", b.token.Token), nil
		} else if !errors.Is(err, ErrUnauthorized) {
			return "", fmt.Errorf("failed to request auth token (post): %w", err)
		}
	}

	// attempt a get (with basic auth if user/pass available)
	if err := b.tryGet(); err == nil {
		return fmt.Sprintf("Bearer %s", b.token.Token), nil
	} else if !errors.Is(err, ErrUnauthorized) {
		return "", fmt.Errorf("failed to request auth token (get): %w", err)
	}

	return "", ErrUnauthorized
}

// isExpired returns true when the token issue date is either 0, token has
// expired, or the issue date is in the future (clock skew)
func (b *bearerHandler) isExpired() bool {
	if b.token.IssuedAt.IsZero() {
		return true
	}
	now := time.Now()
	if b.token.IssuedAt.After(now) {
		return false
	}
	return !now.Before(b.token.IssuedAt.Add(time.Duration(b.token.ExpiresIn) * time.Second))
}

func (b *bearerHandler) tryGet() error {
	cred := b.credsFn(b.host)
	req, err := http.NewRequest("GET", b.realm, nil)
	if err != nil {
		return err
	}

	reqParams := req.URL.Query()
	reqParams.Add("client_id", b.clientID)
	reqParams.Add("offline_token", "true")
	if b.service != "" {
		reqParams.Add("service", b.service)
	}
	for _, s := range b.scopes {
		reqParams.Add("scope", s)
	}
	if cred.User != "" && cred.Password != "" {
		reqParams.Add("account", cred.User)
		req.SetBasicAuth(cred.User, cred.Password)
	}
	req.URL.RawQuery = reqParams.Encode()
	req.Header.Set("User-Agent", b.clientID)

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return b.validateResponse(resp)
}

func (b *bearerHandler) tryPost() error {
	cred := b.credsFn(b.host)
	form := url.Values{}
	if len(b.scopes) > 0 {
		form.Set("scope", strings.Join(b.scopes, " "))
	}
	if b.service != "" {
		form.Set("service", b.service)
	}
	form.Set("client_id", b.clientID)
	if b.token.RefreshToken != "" {
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", b.token.RefreshToken)
	} else if cred.Token != "" {
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", cred.Token)
	}

	req, err := http.NewRequest("POST", b.realm, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	req.Header.Set("User-Agent", b.clientID)

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return b.validateResponse(resp)
}

// scopeExists checks if the scope is already covered by the list of scopes
func (b *bearerHandler) scopeExists(search string) bool {
	if search == "" {
		return true
	}
	i := strings.LastIndex(search, ":")
	if i <= 0 {
		for _, scope := range b.scopes {
			if scope == search {
				return true
			}
		}
		return false
	}
	resource := search[:i+1]
	actions := strings.Split(search[i+1:], ",")
	for _, scope := range b.scopes {
		if !strings.HasPrefix(scope, resource) {
			continue
		}
		curActions := strings.Split(scope[len(resource):], ",")
		covered := true
		for _, action := range actions {
			found := false
			for _, curAction := range curActions {
				if action == curAction {
					found = true
					break
				}
			}
			if !found {
				covered = false
				break
			}
		}
		if covered {
			return true
		}
	}
	return false
}

func (b *bearerHandler) validateResponse(resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return ErrUnauthorized
	}

	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(&b.token); err != nil {
		return err
	}

	if b.token.ExpiresIn < minTokenLife {
		b.token.ExpiresIn = minTokenLife
	}

	// AccessToken and Token should be the same and we use Token elsewhere
	if b.token.AccessToken != "" {
		b.token.Token = b.token.AccessToken
	}

	// issue times in the future or past enough to already be expired indicate
	// clock skew with the token server, assume the token was issued now
	now := time.Now().UTC()
	if b.token.IssuedAt.IsZero() || b.token.IssuedAt.After(now) ||
		b.token.IssuedAt.Add(time.Duration(b.token.ExpiresIn)*time.Second).Before(now) {
		b.token.IssuedAt = now
	}

	return nil
}
