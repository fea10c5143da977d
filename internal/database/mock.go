package database

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) CreateAccount(params CreateAccountParams) (Account, error) {
	args := m.Called(params)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockRepository) GetAccountById(id int) (Account, error) {
	args := m.Called(id)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockRepository) GetAccountByEmail(email string) (Account, error) {
	args := m.Called(email)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) GetMessage(id string) (Message, error) {
	args := m.Called(id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) ListMessages(roomId string, before time.Time, limit int) ([]Message, *time.Time, error) {
	args := m.Called(roomId, before, limit)
	var cursor *time.Time
	if c, ok := args.Get(1).(*time.Time); ok {
		cursor = c
	}
	return args.Get(0).([]Message), cursor, args.Error(2)
}
func (m *MockRepository) UpdateMessage(id, content string) (Message, error) {
	args := m.Called(id, content)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) SoftDeleteMessage(id string) (Message, error) {
	args := m.Called(id)
	return args.Get(0).(Message), args.Error(1)
}
