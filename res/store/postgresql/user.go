package postgresql

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"

	"homecare-api/res/store"
)

const (
	maxDisplayNameLength = 50
	maxPushTokenLength   = 512
)

type userStore struct {
	*storeImpl
}

// MUTATIONS

func (us *userStore) Create(ctx context.Context, id, displayName, email, phone string, role store.UserRole) (*store.User, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: invalid user role (%s)", store.ErrInvalidInput, role)
	}
	if err := validateDisplayName(displayName); err != nil {
		return nil, err
	}
	address, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}

	u := &store.User{
		ID:          id,
		DisplayName: displayName,
		Role:        role,
		Email:       address,
		Phone:       strings.TrimSpace(phone),
	}
	if err := us.db.WithContext(ctx).Create(u).Error; err != nil {
		return nil, translateError(err)
	}
	return u, nil
}

func (us *userStore) Update(ctx context.Context, userID string, displayName *string, role *store.UserRole) (*store.User, error) {
	updates := make(map[string]interface{}, 2)
	if displayName != nil {
		if err := validateDisplayName(*displayName); err != nil {
			return nil, err
		}
		updates["display_name"] = *displayName
	}
	if role != nil {
		if !role.Valid() {
			return nil, fmt.Errorf("%w: invalid user role (%s)", store.ErrInvalidInput, *role)
		}
		updates["role"] = *role
	}
	if len(updates) == 0 {
		return nil, fmt.Errorf("%w: no fields to update", store.ErrInvalidInput)
	}

	if err := us.updateColumns(ctx, userID, updates); err != nil {
		return nil, err
	}
	return us.Get(ctx, userID)
}

func (us *userStore) SetPushToken(ctx context.Context, userID, token string) error {
	if len(token) > maxPushTokenLength {
		return fmt.Errorf("%w: push token longer than %d bytes", store.ErrInvalidInput, maxPushTokenLength)
	}
	return us.updateColumns(ctx, userID, map[string]interface{}{"push_token": token})
}

func (us *userStore) updateColumns(ctx context.Context, userID string, updates map[string]interface{}) error {
	result := us.db.WithContext(ctx).Model(&store.User{}).Where("id = ?", userID).Updates(updates)
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: user (id: %s)", store.ErrNotFound, userID)
	}
	return nil
}

func validateDisplayName(displayName string) error {
	if !utf8.ValidString(displayName) {
		return fmt.Errorf("%w: display name is not valid UTF-8", store.ErrInvalidInput)
	}
	switch n := utf8.RuneCountInString(strings.TrimSpace(displayName)); {
	case n == 0:
		return fmt.Errorf("%w: display name is empty", store.ErrInvalidInput)
	case n > maxDisplayNameLength:
		return fmt.Errorf("%w: display name length %d exceeds %d", store.ErrInvalidInput, n, maxDisplayNameLength)
	}
	return nil
}

func normalizeEmail(email string) (string, error) {
	if !utf8.ValidString(email) {
		return "", fmt.Errorf("%w: email is not valid UTF-8", store.ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return "", fmt.Errorf("%w: invalid email address", store.ErrInvalidInput)
	}
	return strings.ToLower(addr.Address), nil
}

// QUERIES

func (us *userStore) Get(ctx context.Context, id string) (*store.User, error) {
	return us.first(ctx, "id = ?", id)
}

func (us *userStore) GetByEmail(ctx context.Context, email string) (*store.User, error) {
	return us.first(ctx, "email = ?", strings.ToLower(strings.TrimSpace(email)))
}

func (us *userStore) first(ctx context.Context, query string, arg interface{}) (*store.User, error) {
	var u store.User
	if err := us.db.WithContext(ctx).Where(query, arg).First(&u).Error; err != nil {
		return nil, translateError(err)
	}
	return &u, nil
}

// PushTokens returns the registered device tokens of the given users.
// Users without a token are skipped.
func (us *userStore) PushTokens(ctx context.Context, userIDs ...string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var tokens []string
	err := us.db.WithContext(ctx).Model(&store.User{}).
		Where("id IN ? AND push_token <> ''", userIDs).
		Pluck("push_token", &tokens).Error
	if err != nil {
		return nil, err
	}
	return tokens, nil
}
