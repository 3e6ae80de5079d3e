// Package auth provides role-aware login against the backend.
//
// The backend exposes one login endpoint per role and is inconsistent
// about response field names across them. This package owns that mapping
// in one place: a role -> endpoint table and a tolerant response decoder.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/cloudsoft/glovendor/internal/gateway"
	"github.com/cloudsoft/glovendor/internal/logging"
	"github.com/cloudsoft/glovendor/internal/session"
)

// loginEndpoints maps each role to its backend login path.
var loginEndpoints = map[session.Role]string{
	session.RoleAdmin:      "/api/auth/login",
	session.RoleSuperadmin: "/api/auth/login",
	session.RoleAggregator: "/api/aggregators/auth/login",
	session.RoleSubvendor:  "/api/subvendor/auth/login",
	session.RoleRetailer:   "/api/retailers/auth/login",
	session.RoleCustomer:   "/api/customers/auth/login",
}

// Credentials are the login inputs.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Result is a successful login.
type Result struct {
	Principal session.Principal
	Email     string
	Name      string
}

// Manager performs logins and maintains the session context.
type Manager struct {
	client   *gateway.Client
	sessions *session.Context
	logger   *slog.Logger
}

// NewManager creates an auth manager.
func NewManager(client *gateway.Client, sessions *session.Context, logger *slog.Logger) *Manager {
	return &Manager{
		client:   client,
		sessions: sessions,
		logger:   logging.Component(logger, "auth"),
	}
}

// Login authenticates against the endpoint mapped for the role and stores
// the resulting principal in the session context.
func (m *Manager) Login(ctx context.Context, role session.Role, creds Credentials) (*Result, error) {
	const op = "auth.Login"

	endpoint, ok := loginEndpoints[role]
	if !ok {
		return nil, gateway.Validation(op, fmt.Sprintf("unknown role %q", role))
	}
	if creds.Email == "" || creds.Password == "" {
		return nil, gateway.Validation(op, "email and password are required")
	}

	var raw json.RawMessage
	if err := m.client.Post(ctx, endpoint, creds, &raw); err != nil {
		return nil, err.(*gateway.APIError).WithOp(op)
	}

	result, err := decodeLogin(raw, role)
	if err != nil {
		m.logger.Error("login response in unexpected shape", "role", role, "error", err)
		return nil, (&gateway.APIError{Kind: gateway.KindServer, Message: "login response in unexpected shape"}).WithOp(op)
	}

	if err := m.sessions.SetPrincipal(ctx, result.Principal); err != nil {
		return nil, (&gateway.APIError{Kind: gateway.KindServer, Message: "session persist failed"}).WithOp(op)
	}

	m.logger.Info("login", "role", role, "identifier", result.Principal.Identifier)
	return result, nil
}

// Logout clears the session context.
func (m *Manager) Logout(ctx context.Context) error {
	return m.sessions.Clear(ctx)
}

// ResolveSubvendorID resolves an email identifier to the subvendor's
// numeric ID and upgrades the stored identifier. Identifiers that are
// already numeric are returned unchanged.
func (m *Manager) ResolveSubvendorID(ctx context.Context, identifier string) (string, error) {
	const op = "auth.ResolveSubvendorID"

	if _, err := strconv.ParseInt(identifier, 10, 64); err == nil {
		return identifier, nil
	}

	var sub struct {
		ID json.Number `json:"id"`
	}
	path := "/api/subvendor/email/" + url.PathEscape(identifier)
	if err := m.client.Get(ctx, path, nil, &sub); err != nil {
		return "", err.(*gateway.APIError).WithOp(op)
	}
	if sub.ID.String() == "" {
		return "", (&gateway.APIError{Kind: gateway.KindNotFound, Message: "subvendor not found"}).WithOp(op)
	}

	if err := m.sessions.SetIdentifier(ctx, sub.ID.String()); err != nil {
		return "", (&gateway.APIError{Kind: gateway.KindServer, Message: "session persist failed"}).WithOp(op)
	}
	return sub.ID.String(), nil
}

// loginPayload tolerates the backend's field aliases: the token arrives as
// token/accessToken/access_token, and the user object under a role-specific
// key or the generic "user".
type loginPayload struct {
	Token       string     `json:"token"`
	AccessToken string     `json:"accessToken"`
	AccessSnake string     `json:"access_token"`
	User        *loginUser `json:"user"`
	Subvendor   *loginUser `json:"subvendor"`
	Aggregator  *loginUser `json:"aggregator"`
	Retailer    *loginUser `json:"retailer"`
	Customer    *loginUser `json:"customer"`
	Admin       *loginUser `json:"admin"`
}

type loginUser struct {
	ID    json.Number `json:"id"`
	Email string      `json:"email"`
	Name  string      `json:"name"`
}

func decodeLogin(raw json.RawMessage, role session.Role) (*Result, error) {
	var p loginPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}

	token := p.Token
	if token == "" {
		token = p.AccessToken
	}
	if token == "" {
		token = p.AccessSnake
	}
	if token == "" {
		return nil, fmt.Errorf("no token field in login response")
	}

	user := firstUser(p.User, p.Subvendor, p.Aggregator, p.Retailer, p.Customer, p.Admin)
	if user == nil {
		return nil, fmt.Errorf("no user object in login response")
	}

	identifier := user.ID.String()
	if identifier == "" {
		identifier = user.Email
	}
	if identifier == "" {
		return nil, fmt.Errorf("no identifier in login response")
	}

	return &Result{
		Principal: session.Principal{Role: role, Identifier: identifier, Token: token},
		Email:     user.Email,
		Name:      user.Name,
	}, nil
}

func firstUser(users ...*loginUser) *loginUser {
	for _, u := range users {
		if u != nil {
			return u
		}
	}
	return nil
}
