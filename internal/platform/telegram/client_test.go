package telegram

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medscribe/internal/errors"
)

const testURL = "https://tg.test"

func newTestClient(t *testing.T) *Client {
	t.Helper()
	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	t.Cleanup(httpmock.DeactivateAndReset)
	return NewClient("secret", WithHTTPClient(hc), WithBaseURL(testURL+"/"))
}

func TestSendDocumentUploadsMultipart(t *testing.T) {
	c := newTestClient(t)

	var gotChat, gotCaption, gotName string
	var gotData []byte
	httpmock.RegisterResponder(http.MethodPost, testURL+"/botsecret/sendDocument",
		func(req *http.Request) (*http.Response, error) {
			if err := req.ParseMultipartForm(1 << 20); err != nil {
				return httpmock.NewStringResponse(http.StatusBadRequest, err.Error()), nil
			}
			gotChat = req.FormValue("chat_id")
			gotCaption = req.FormValue("caption")
			f, h, err := req.FormFile("document")
			if err != nil {
				return httpmock.NewStringResponse(http.StatusBadRequest, err.Error()), nil
			}
			defer f.Close()
			gotName = h.Filename
			gotData, _ = io.ReadAll(f)
			return httpmock.NewStringResponse(http.StatusOK, `{"ok":true,"result":{}}`), nil
		})

	err := c.SendDocument(context.Background(), -1001, []byte("%PDF-1.4"), "note.pdf", "approved")
	require.NoError(t, err)
	assert.Equal(t, "-1001", gotChat)
	assert.Equal(t, "approved", gotCaption)
	assert.Equal(t, "note.pdf", gotName)
	assert.Equal(t, []byte("%PDF-1.4"), gotData)
}

func TestSendMessageReportsAPIError(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder(http.MethodPost, testURL+"/botsecret/sendMessage",
		httpmock.NewStringResponder(http.StatusBadRequest, `{"ok":false,"error_code":400,"description":"chat not found"}`))

	err := c.SendMessage(context.Background(), 42, "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
	assert.True(t, errors.IsCategory(err, errors.CategoryIntegration))
}

func TestTransportErrorHidesToken(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterNoResponder(httpmock.NewErrorResponder(io.ErrUnexpectedEOF))

	err := c.SendMessage(context.Background(), 42, "hello")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret")
}
