package delivery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"megaphone/internal/types"
)

// fakeProvider records the last SendInput it was given.
type fakeProvider struct {
	last  *types.SendInput
	msgID string
	err   error
}

func (p *fakeProvider) Send(ctx context.Context, input types.SendInput) (string, error) {
	p.last = &input
	if p.err != nil {
		return "", p.err
	}
	return p.msgID, nil
}

// passthroughRenderer returns the body unchanged, recording the call.
type passthroughRenderer struct {
	templateKey string
	data        map[string]string
	err         error
}

func (r *passthroughRenderer) Render(templateKey, body string, data map[string]string) (string, error) {
	r.templateKey = templateKey
	r.data = data
	if r.err != nil {
		return "", r.err
	}
	return body, nil
}

func newTestEmailAdapter(p EmailProvider, r TemplateRenderer) *EmailAdapter {
	return NewEmailAdapter(EmailAdapterConfig{
		Provider:    p,
		Renderer:    r,
		FromName:    "Acme",
		FromAddress: "no-reply@acme.test",
	})
}

func emailJob() *types.CampaignJob {
	return &types.CampaignJob{
		ID:   "cmp_1",
		Kind: types.KindEmail,
		Payload: types.CampaignPayload{
			Email: &types.EmailContent{
				TemplateKey: "default",
				Subject:     map[string]string{"en": "Hello", "fr": "Bonjour"},
				Body:        map[string]string{"en": "Hi {{.email}}", "fr": "Salut {{.email}}"},
				TemplateData: map[string]string{
					"plan":  "pro",
					"email": "from-campaign",
				},
			},
		},
	}
}

func TestEmailAdapter_Deliver(t *testing.T) {
	provider := &fakeProvider{msgID: "sg_123"}
	renderer := &passthroughRenderer{}
	a := newTestEmailAdapter(provider, renderer)

	res, err := a.Deliver(context.Background(), emailJob(), testRecipient("fr"))
	require.NoError(t, err)
	assert.Equal(t, "sg_123", res.ProviderMessageID)
	assert.False(t, res.Duplicate)

	require.NotNil(t, provider.last)
	assert.Equal(t, "user@example.com", provider.last.To)
	assert.Equal(t, "Bonjour", provider.last.Subject)
	assert.Equal(t, "Salut {{.email}}", provider.last.Body)
	assert.Equal(t, "Acme", provider.last.FromName)
	assert.Equal(t, "no-reply@acme.test", provider.last.FromAddress)
	assert.Equal(t, "rcp_1", provider.last.ReferenceID)
}

func TestEmailAdapter_RecipientFieldsWinInData(t *testing.T) {
	renderer := &passthroughRenderer{}
	a := newTestEmailAdapter(&fakeProvider{msgID: "sg_1"}, renderer)

	_, err := a.Deliver(context.Background(), emailJob(), testRecipient("en"))
	require.NoError(t, err)

	assert.Equal(t, "default", renderer.templateKey)
	assert.Equal(t, "pro", renderer.data["plan"])
	assert.Equal(t, "user@example.com", renderer.data["email"])
	assert.Equal(t, "user_1", renderer.data["user_id"])
}

func TestEmailAdapter_LocaleFallback(t *testing.T) {
	provider := &fakeProvider{msgID: "sg_1"}
	a := newTestEmailAdapter(provider, &passthroughRenderer{})

	_, err := a.Deliver(context.Background(), emailJob(), testRecipient("de"))
	require.NoError(t, err)
	assert.Equal(t, "Hello", provider.last.Subject)
}

func TestEmailAdapter_MissingAddress(t *testing.T) {
	a := newTestEmailAdapter(&fakeProvider{}, &passthroughRenderer{})

	rcp := testRecipient("en")
	rcp.ContactAddress = ""
	_, err := a.Deliver(context.Background(), emailJob(), rcp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing contact address")
}

func TestEmailAdapter_NoUsableSubject(t *testing.T) {
	a := newTestEmailAdapter(&fakeProvider{}, &passthroughRenderer{})

	job := emailJob()
	job.Payload.Email.Subject = map[string]string{"fr": "Bonjour"}
	_, err := a.Deliver(context.Background(), job, testRecipient("de"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no subject")
}

func TestEmailAdapter_MissingPayload(t *testing.T) {
	a := newTestEmailAdapter(&fakeProvider{}, &passthroughRenderer{})

	job := &types.CampaignJob{ID: "cmp_1", Kind: types.KindEmail}
	_, err := a.Deliver(context.Background(), job, testRecipient("en"))
	require.Error(t, err)
}

func TestEmailAdapter_RenderError(t *testing.T) {
	a := newTestEmailAdapter(&fakeProvider{}, &passthroughRenderer{err: errors.New("bad template")})

	_, err := a.Deliver(context.Background(), emailJob(), testRecipient("en"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rendering body")
}

func TestEmailAdapter_ProviderError(t *testing.T) {
	a := newTestEmailAdapter(&fakeProvider{err: errors.New("rate limited")}, &passthroughRenderer{})

	_, err := a.Deliver(context.Background(), emailJob(), testRecipient("en"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestRedactEmail(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"john@gmail.com", "j***@gmail.com"},
		{"a@b.co", "a***@b.co"},
		{"@example.com", "***@example.com"},
		{"not-an-email", "***"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, RedactEmail(tc.in), "input %q", tc.in)
	}
}
