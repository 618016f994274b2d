// Package oauth is the account-linking stub used by the voice assistant: it
// hands out authorization codes and opaque bearer tokens without real user
// authentication.
package oauth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

var ErrInvalidRedirect = errors.New("redirect_uri must be an absolute URL")

type Options struct {
	CacheSize int
	TokenTTL  time.Duration
	Logger    *logrus.Entry
	Now       func() time.Time
	NewID     func() string
}

type grant struct {
	ClientID    string
	RedirectURI string
}

type token struct {
	ClientID  string
	ExpiresAt time.Time
}

// TokenResponse is the body of a successful token exchange.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
}

// Server keeps codes, access tokens and refresh tokens in bounded LRU caches;
// the oldest entries fall out first.
type Server struct {
	codes   *lru.Cache
	tokens  *lru.Cache
	refresh *lru.Cache
	opts    Options
	log     *logrus.Entry
}

func NewServer(opts Options) (*Server, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "oauth")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }
	}

	s := &Server{opts: opts, log: opts.Logger}
	var err error
	if s.codes, err = lru.New(opts.CacheSize); err != nil {
		return nil, err
	}
	if s.tokens, err = lru.New(opts.CacheSize); err != nil {
		return nil, err
	}
	if s.refresh, err = lru.New(opts.CacheSize); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/oauth-authorize", s.authorize).Methods(http.MethodGet)
	r.HandleFunc("/api/oauth-token", s.token).Methods(http.MethodPost)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	r.NotFoundHandler = http.HandlerFunc(methodNotAllowed)

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(r)
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// Validate reports the client an access token was issued to, if it is known
// and not expired.
func (s *Server) Validate(accessToken string) (string, bool) {
	v, ok := s.tokens.Get(accessToken)
	if !ok {
		return "", false
	}
	t := v.(token)
	if !s.opts.Now().Before(t.ExpiresAt) {
		s.tokens.Remove(accessToken)
		return "", false
	}
	return t.ClientID, true
}

func parseRedirect(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, ErrInvalidRedirect
	}
	return u, nil
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID, state := q.Get("client_id"), q.Get("state")

	target, err := parseRedirect(q.Get("redirect_uri"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	code := "auth-" + s.opts.NewID()
	s.codes.Add(code, grant{ClientID: clientID, RedirectURI: target.String()})

	params := target.Query()
	params.Set("code", code)
	params.Set("state", state)
	target.RawQuery = params.Encode()

	s.log.WithFields(logrus.Fields{"client_id": clientID, "redirect": target.Host}).Info("authorization code issued")
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	req, err := decodeTokenRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	clientID := req.ClientID
	// Codes are single use; unknown codes are still accepted.
	if req.Code != "" {
		if v, ok := s.codes.Get(req.Code); ok {
			s.codes.Remove(req.Code)
			if clientID == "" {
				clientID = v.(grant).ClientID
			}
		}
	}
	if req.RefreshToken != "" {
		if v, ok := s.refresh.Get(req.RefreshToken); ok && clientID == "" {
			clientID = v.(string)
		}
	}

	resp := TokenResponse{
		AccessToken:  "access-" + s.opts.NewID(),
		TokenType:    "Bearer",
		ExpiresIn:    int(s.opts.TokenTTL / time.Second),
		RefreshToken: "refresh-" + s.opts.NewID(),
	}
	s.tokens.Add(resp.AccessToken, token{ClientID: clientID, ExpiresAt: s.opts.Now().Add(s.opts.TokenTTL)})
	s.refresh.Add(resp.RefreshToken, clientID)

	s.log.WithFields(logrus.Fields{"client_id": clientID, "grant_type": req.GrantType}).Info("token issued")
	writeJSON(w, http.StatusOK, resp)
}

// decodeTokenRequest accepts both JSON and form-encoded bodies.
func decodeTokenRequest(r *http.Request) (tokenRequest, error) {
	var req tokenRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		err := json.NewDecoder(r.Body).Decode(&req)
		return req, err
	}
	if err := r.ParseForm(); err != nil {
		return req, err
	}
	req.GrantType = r.PostForm.Get("grant_type")
	req.Code = r.PostForm.Get("code")
	req.ClientID = r.PostForm.Get("client_id")
	req.ClientSecret = r.PostForm.Get("client_secret")
	req.RefreshToken = r.PostForm.Get("refresh_token")
	return req, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
