package service

import (
	"context"
	"errors"

	"chat_server/server/chat/domain"
	"chat_server/server/common/infra/catalog"
)

// DonationDirectory resolves donation records from the catalog service. The
// catalog owns donations; this subsystem only reads them to derive session
// participants and gate session creation.
type DonationDirectory interface {
	Donation(ctx context.Context, donationID string) (domain.Donation, error)
}

type catalogDirectory struct {
	client *catalog.Client
}

func NewCatalogDirectory(client *catalog.Client) DonationDirectory {
	return &catalogDirectory{client: client}
}

func (d *catalogDirectory) Donation(ctx context.Context, donationID string) (domain.Donation, error) {
	var out domain.Donation
	err := d.client.Get(ctx, catalog.BasePath+"/"+donationID, &out)
	if errors.Is(err, catalog.ErrNotFound) {
		return domain.Donation{}, domain.NotFoundError("donation %s not found", donationID)
	}
	if err != nil {
		return domain.Donation{}, domain.TransportError(err, "fetch donation %s", donationID)
	}
	return out, nil
}
