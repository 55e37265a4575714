package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/broadcastd/internal/domain"
	"github.com/adred-codev/broadcastd/internal/httpapi"
)

type fakeInboxReader struct {
	messages []domain.RecipientDelivery
	unread   []domain.RecipientDelivery
}

func (f *fakeInboxReader) GetMessages(ctx context.Context, recipientID string) ([]domain.RecipientDelivery, error) {
	return f.messages, nil
}
func (f *fakeInboxReader) GetUnread(ctx context.Context, recipientID string) ([]domain.RecipientDelivery, error) {
	return f.unread, nil
}

func TestHandleMessagesReturnsInboxContents(t *testing.T) {
	inbox := &fakeInboxReader{messages: []domain.RecipientDelivery{
		{BroadcastID: "b1", RecipientID: "r1", DeliveryStatus: domain.DeliveryDelivered},
	}}
	h := httpapi.NewRecipientHandler(nil, inbox, nil, nil, zerolog.Nop())
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/recipients/r1/messages", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got []domain.RecipientDelivery
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, "b1", got[0].BroadcastID)
}

func TestHandleUnreadReturnsOnlyUnread(t *testing.T) {
	inbox := &fakeInboxReader{unread: []domain.RecipientDelivery{
		{BroadcastID: "b2", RecipientID: "r1", ReadStatus: domain.ReadUnread},
	}}
	h := httpapi.NewRecipientHandler(nil, inbox, nil, nil, zerolog.Nop())
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/recipients/r1/unread", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got []domain.RecipientDelivery
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, "b2", got[0].BroadcastID)
}

func TestHandleMarkReadInvokesEmitRead(t *testing.T) {
	var gotRecipient, gotBroadcast string
	emit := func(ctx context.Context, recipientID, broadcastID string) error {
		gotRecipient, gotBroadcast = recipientID, broadcastID
		return nil
	}
	h := httpapi.NewRecipientHandler(nil, &fakeInboxReader{}, emit, nil, zerolog.Nop())
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodPost, "/recipients/r1/read/b1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "r1", gotRecipient)
	require.Equal(t, "b1", gotBroadcast)
}

func TestHandleMarkReadWithoutEmitReadIsFatal(t *testing.T) {
	h := httpapi.NewRecipientHandler(nil, &fakeInboxReader{}, nil, nil, zerolog.Nop())
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodPost, "/recipients/r1/read/b1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
