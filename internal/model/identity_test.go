package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnonymousSingleton(t *testing.T) {
	a := Anonymous()
	b := Anonymous()
	assert.Same(t, a, b)
	assert.True(t, a.IsAnonymous())
	assert.Equal(t, AnonymousUsername, a.Username)
}

func TestIdentityDataBag(t *testing.T) {
	id := NewIdentity(IdentityUser, "ada")
	assert.NotEmpty(t, id.ID)

	_, ok := id.Data("missing")
	assert.False(t, ok)

	fed := LocalFederation()
	id.SetData(FederationKey, fed)
	assert.Equal(t, fed, id.Federation())
}

func TestExchangeName(t *testing.T) {
	fed := &Federation{ID: "fed1", Broker: "amqp://localhost"}
	assert.Equal(t, "fed1.alerts.exchange", fed.ExchangeName("alerts"))
}
