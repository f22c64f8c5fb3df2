package domain

import (
	"github.com/google/uuid"
)

// UserID is an opaque participant identifier.
type UserID string

// TransportAddress is the opaque address of a transport endpoint, assigned when the endpoint opens.
type TransportAddress string

type RecordID string

func NewUserID() UserID {
	return UserID(uuid.New().String())
}

func NewTransportAddress() TransportAddress {
	return TransportAddress(uuid.New().String())
}

func NewRecordID() RecordID {
	return RecordID(uuid.New().String())
}

func (id UserID) String() string {
	return string(id)
}

func (a TransportAddress) String() string {
	return string(a)
}

func (id RecordID) String() string {
	return string(id)
}
