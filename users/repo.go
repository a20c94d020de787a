package users

type UserRepo interface {
	Upsert(user *User) error
	Delete(email string) error
	GetByEmail(email string) (*User, error)
	GetByID(ID string) (*User, error)
	ListByCompany(companyID string, offset, limit int) ([]*User, error)
	SetActive(email string, active bool) error
}
