package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	kratos "github.com/ory/kratos-client-go"

	"github.com/campusdesk/campusdesk/internal/shared"
)

const kratosSchemaID = "default"

// KratosStore delegates credentials and sessions to Ory Kratos. Kratos has no
// push channel, so events are emitted locally for sign-in and sign-out made
// through this store.
type KratosStore struct {
	public *kratos.APIClient
	admin  *kratos.APIClient
	broker *Broker
	logger *slog.Logger
	now    func() time.Time
}

// NewKratosStore builds a store talking to the Kratos public and admin APIs.
func NewKratosStore(publicURL, adminURL string, timeout time.Duration, logger *slog.Logger) *KratosStore {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return &KratosStore{
		public: newKratosClient(publicURL, httpClient),
		admin:  newKratosClient(adminURL, httpClient),
		broker: NewBroker(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func newKratosClient(baseURL string, httpClient *http.Client) *kratos.APIClient {
	configuration := kratos.NewConfiguration()
	configuration.Servers = []kratos.ServerConfiguration{{URL: baseURL}}
	configuration.HTTPClient = httpClient
	return kratos.NewAPIClient(configuration)
}

// SignUp creates a Kratos identity with a password credential.
func (s *KratosStore) SignUp(ctx context.Context, email, password string) (Identity, error) {
	email = NormalizeEmail(email)
	body := kratos.NewCreateIdentityBody(kratosSchemaID, map[string]interface{}{"email": email})
	body.Credentials = &kratos.IdentityWithCredentials{
		Password: &kratos.IdentityWithCredentialsPassword{
			Config: &kratos.IdentityWithCredentialsPasswordConfig{Password: &password},
		},
	}
	created, resp, err := s.admin.IdentityAPI.CreateIdentity(ctx).CreateIdentityBody(*body).Execute()
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return Identity{}, &shared.AuthError{Op: "sign up", Err: shared.ErrDuplicateEmail}
		}
		return Identity{}, &shared.AuthError{Op: "sign up", Err: kratosFailure(resp, err)}
	}
	return kratosIdentity(created), nil
}

// SignIn runs a native password login flow and returns the session token.
func (s *KratosStore) SignIn(ctx context.Context, email, password string) (Session, error) {
	flow, resp, err := s.public.FrontendAPI.CreateNativeLoginFlow(ctx).Execute()
	if err != nil {
		return Session{}, &shared.AuthError{Op: "sign in", Err: kratosFailure(resp, err)}
	}
	method := kratos.NewUpdateLoginFlowWithPasswordMethod(NormalizeEmail(email), "password", password)
	result, resp, err := s.public.FrontendAPI.UpdateLoginFlow(ctx).
		Flow(flow.GetId()).
		UpdateLoginFlowBody(kratos.UpdateLoginFlowWithPasswordMethodAsUpdateLoginFlowBody(method)).
		Execute()
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized) {
			return Session{}, &shared.AuthError{Op: "sign in", Err: shared.ErrInvalidCredentials}
		}
		return Session{}, &shared.AuthError{Op: "sign in", Err: kratosFailure(resp, err)}
	}
	token := result.GetSessionToken()
	if token == "" {
		return Session{}, &shared.AuthError{Op: "sign in", Err: errors.New("kratos returned no session token")}
	}
	ks := result.GetSession()
	sess := kratosSession(token, &ks)
	s.broker.Publish(Event{Token: token, Session: &sess, At: s.now()})
	return sess, nil
}

// SignOut revokes the native session token.
func (s *KratosStore) SignOut(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	resp, err := s.public.FrontendAPI.PerformNativeLogout(ctx).
		PerformNativeLogoutBody(*kratos.NewPerformNativeLogoutBody(token)).
		Execute()
	if err != nil && (resp == nil || (resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden)) {
		return &shared.AuthError{Op: "sign out", Err: kratosFailure(resp, err)}
	}
	s.broker.Publish(Event{Token: token, At: s.now()})
	return nil
}

// CurrentSession calls whoami with the session token.
func (s *KratosStore) CurrentSession(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, nil
	}
	ks, resp, err := s.public.FrontendAPI.ToSession(ctx).XSessionToken(token).Execute()
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, nil
		}
		return nil, fmt.Errorf("identity: whoami: %w", kratosFailure(resp, err))
	}
	if !ks.GetActive() || ks.Identity == nil {
		return nil, nil
	}
	sess := kratosSession(token, ks)
	return &sess, nil
}

// OnSessionChange registers fn for sign-in and sign-out made through this store.
func (s *KratosStore) OnSessionChange(fn func(Event)) func() {
	return s.broker.Subscribe(fn)
}

func kratosFailure(resp *http.Response, err error) error {
	if resp != nil {
		return fmt.Errorf("%w: kratos returned status %d: %w", shared.ErrIdentityUnavailable, resp.StatusCode, err)
	}
	return fmt.Errorf("%w: %w", shared.ErrIdentityUnavailable, err)
}

func kratosIdentity(ki *kratos.Identity) Identity {
	if ki == nil {
		return Identity{}
	}
	email := ""
	if traits, ok := ki.Traits.(map[string]interface{}); ok {
		if v, ok := traits["email"].(string); ok {
			email = v
		}
	}
	return Identity{
		ID:        ki.GetId(),
		Email:     NormalizeEmail(email),
		CreatedAt: ki.GetCreatedAt(),
	}
}

func kratosSession(token string, ks *kratos.Session) Session {
	return Session{
		Token:     token,
		Identity:  kratosIdentity(ks.Identity),
		IssuedAt:  ks.GetIssuedAt(),
		ExpiresAt: ks.GetExpiresAt(),
	}
}

var _ Store = (*KratosStore)(nil)
