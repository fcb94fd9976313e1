package store

import "time"

type UserRole string

const (
	UserRoleCustomer UserRole = "CUSTOMER"
	UserRoleProvider UserRole = "PROVIDER"
	UserRoleAdmin    UserRole = "ADMIN"
)

func (r UserRole) Valid() bool {
	return r == UserRoleCustomer || r == UserRoleProvider || r == UserRoleAdmin
}

type User struct {
	ID          string   `gorm:"primaryKey;size:50;unique"`
	DisplayName string   `gorm:"size:50;not null"`
	Role        UserRole `gorm:"size:20;not null;default:'CUSTOMER'"`

	Email string `gorm:"size:256;not null;unique"`
	Phone string `gorm:"size:32"`

	// PushToken is the device token used for FCM notifications.
	PushToken string `gorm:"size:512"`

	UpdatedAt time.Time `gorm:"autoUpdateTime;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime;not null"`
}

func (u *User) IsAdmin() bool {
	return u.Role == UserRoleAdmin
}

func (u *User) IsProvider() bool {
	return u.Role == UserRoleProvider
}

func (u *User) IsCustomer() bool {
	return u.Role == UserRoleCustomer
}
