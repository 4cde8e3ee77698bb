package domain

const (
	ClientFieldSecret      = "secret"
	ClientFieldRedirectURI = "redirect_uri"
	ClientFieldSourceURL   = "source_url"
)

// AnonymousClientID is the client_id used for unauthenticated token requests.
const AnonymousClientID = "anonymous"

var ClientSchema = NewSchema("client",
	FieldDef{Name: ClientFieldSecret, Required: true},
	FieldDef{Name: ClientFieldRedirectURI, Required: true, Validate: validateURL},
	FieldDef{Name: ClientFieldSourceURL, Required: true, Validate: validateURL},
)

// Client is an OAuth client allowed to exchange codes for privileged tokens.
// SecretHash is an encoded argon2id hash, never the secret itself.
type Client struct {
	ID          string
	SecretHash  string
	RedirectURI string
	SourceURL   string
}

func (c Client) Attributes() map[string]string {
	return compact(map[string]string{
		ClientFieldSecret:      c.SecretHash,
		ClientFieldRedirectURI: c.RedirectURI,
		ClientFieldSourceURL:   c.SourceURL,
	})
}

func (c Client) Validate() error {
	return ClientSchema.Validate(c.Attributes())
}

func ClientFromAttributes(id string, attrs map[string]string) (Client, error) {
	if err := ClientSchema.Validate(attrs); err != nil {
		return Client{}, err
	}
	return Client{
		ID:          id,
		SecretHash:  attrs[ClientFieldSecret],
		RedirectURI: attrs[ClientFieldRedirectURI],
		SourceURL:   attrs[ClientFieldSourceURL],
	}, nil
}
