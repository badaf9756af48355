package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdmitBypassesEmptyRef(t *testing.T) {
	store := newTestStore(t)

	adm, err := store.Admit(context.Background(), "", "")
	require.NoError(t, err)
	require.Equal(t, AdmitBypass, adm.Decision)
	require.Nil(t, adm.Prior)
}

func TestAdmitFirstSeen(t *testing.T) {
	store := newTestStore(t)

	adm, err := store.Admit(context.Background(), ProviderYookassa, "pay-new")
	require.NoError(t, err)
	require.Equal(t, AdmitFirstSeen, adm.Decision)
}

func TestAdmitAlreadySeen(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateUserIfAbsent(ctx, 42, "", "")
	require.NoError(t, err)

	applied, err := store.ApplyTransaction(ctx, TransactionParams{
		UserID: 42, Kind: KindPurchaseProvider, Amount: 50,
		Provider: ProviderYookassa, ExternalRef: "pay-abc",
	})
	require.NoError(t, err)

	adm, err := store.Admit(ctx, ProviderYookassa, "pay-abc")
	require.NoError(t, err)
	require.Equal(t, AdmitAlreadySeen, adm.Decision)
	require.NotNil(t, adm.Prior)
	require.Equal(t, applied.ID, adm.Prior.ID)
}

func TestAdmitScopedByProvider(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateUserIfAbsent(ctx, 42, "", "")
	require.NoError(t, err)

	_, err = store.ApplyTransaction(ctx, TransactionParams{
		UserID: 42, Kind: KindPurchaseStars, Amount: 10,
		Provider: ProviderTelegramStars, ExternalRef: "shared-ref",
	})
	require.NoError(t, err)

	adm, err := store.Admit(ctx, ProviderYookassa, "shared-ref")
	require.NoError(t, err)
	require.Equal(t, AdmitFirstSeen, adm.Decision)
}
