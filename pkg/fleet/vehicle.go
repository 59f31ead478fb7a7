package fleet

import "time"

type Vehicle struct {
	PrimaryIdentifier string `groups:"basic"`

	Owner string `groups:"internal"`

	DisplayName  string `groups:"basic"`
	Registration string `groups:"basic"`

	CreationDateTime     time.Time `groups:"detailed"`
	ModificationDateTime time.Time `groups:"detailed"`
}
