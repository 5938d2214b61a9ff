package domain

import "time"

// Recipient is a reachable user in the recipient directory.
type Recipient struct {
	ID          string     `json:"id" db:"id"`
	Name        string     `json:"name" db:"name"`
	Email       string     `json:"email" db:"email"`
	Phone       string     `json:"phone" db:"phone"`
	DeviceToken string     `json:"deviceToken" db:"device_token"`
	OptedOut    bool       `json:"optedOut" db:"opted_out"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	DeletedAt   *time.Time `json:"-" db:"deleted_at"`
}

// AddressFor returns the delivery address of r for the given channel.
func (r *Recipient) AddressFor(t CampaignType) string {
	switch t {
	case CampaignTypeEmail:
		return r.Email
	case CampaignTypeSMS:
		return r.Phone
	case CampaignTypePush:
		return r.DeviceToken
	}
	return ""
}

// Segment is a saved recipient group.
type Segment struct {
	ID        string     `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	DeletedAt *time.Time `json:"-" db:"deleted_at"`
}

// ResolvedRecipient is one entry of a campaign's resolved recipient list.
type ResolvedRecipient struct {
	RecipientID string `json:"recipientId"`
	Name        string `json:"name"`
	Address     string `json:"address"`
}
