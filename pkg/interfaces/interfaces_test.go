package interfaces_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"marketchat/pkg/interfaces"
	"marketchat/pkg/types"
)

type mockConnection struct{}

func (m *mockConnection) ID() string                                  { return "c1" }
func (m *mockConnection) UserID() int64                               { return 1 }
func (m *mockConnection) Username() string                            { return "alice" }
func (m *mockConnection) RoomKey() string                             { return "42" }
func (m *mockConnection) Send(data []byte) error                      { return nil }
func (m *mockConnection) CloseWithReason(code int, reason string) error { return nil }
func (m *mockConnection) Close() error                                { return nil }

type mockStore struct{}

func (m *mockStore) SaveMessage(ctx context.Context, message *types.ChatMessage) (int64, error) {
	return 0, fmt.Errorf("insert: %w", interfaces.ErrStorageUnavailable)
}
func (m *mockStore) History(ctx context.Context, articleID string, limit int) ([]types.ChatMessage, error) {
	return nil, nil
}
func (m *mockStore) Conversations(ctx context.Context, userID int64) ([]types.Conversation, error) {
	return nil, nil
}
func (m *mockStore) HealthCheck(ctx context.Context) error { return nil }
func (m *mockStore) Close() error                          { return nil }

type mockDirectory struct{}

func (m *mockDirectory) ArticleExists(ctx context.Context, articleID string) (bool, error) {
	return articleID == "42", nil
}
func (m *mockDirectory) UsernameByID(ctx context.Context, userID int64) (string, error) {
	return "", interfaces.ErrUserNotFound
}
func (m *mockDirectory) UserIDByUsername(ctx context.Context, username string) (int64, error) {
	return 0, interfaces.ErrUserNotFound
}

type mockValidator struct{}

func (m *mockValidator) ValidateSession(ctx context.Context, token string) (types.Identity, error) {
	return types.Identity{}, interfaces.ErrUnauthorized
}

func TestInterfaces_Compliance(t *testing.T) {
	var _ interfaces.Connection = &mockConnection{}
	var _ interfaces.MessageStore = &mockStore{}
	var _ interfaces.ArticleDirectory = &mockDirectory{}
	var _ interfaces.UserDirectory = &mockDirectory{}
	var _ interfaces.SessionValidator = &mockValidator{}
}

func TestMessageStore_StorageErrorIsWrapped(t *testing.T) {
	var store interfaces.MessageStore = &mockStore{}
	_, err := store.SaveMessage(context.Background(), &types.ChatMessage{})
	if !errors.Is(err, interfaces.ErrStorageUnavailable) {
		t.Errorf("expected wrapped ErrStorageUnavailable, got %v", err)
	}
}

func TestCommonErrors_Distinct(t *testing.T) {
	errs := []error{interfaces.ErrStorageUnavailable, interfaces.ErrUserNotFound, interfaces.ErrUnauthorized}
	for i := range errs {
		for j := range errs {
			if i != j && errors.Is(errs[i], errs[j]) {
				t.Errorf("errors %v and %v should be distinct", errs[i], errs[j])
			}
		}
	}
}
