package openstack

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/keypairs"
)

// keypairName builds the unique name a boot request registers its keypair
// under: a short random prefix plus truncated server and project names.
func (c *Connector) keypairName(serverName string) string {
	short := serverName
	if len(short) > 10 {
		short = short[:10]
	}
	return fmt.Sprintf("%s_%s_%s", uuid.NewString()[:3], short, c.projectName)
}

// ImportKeypair registers a user-provided public key. When a keypair of the
// same name already holds a different key it is replaced.
func (c *Connector) ImportKeypair(ctx context.Context, name, publicKey string) error {
	existing, err := keypairs.Get(ctx, c.compute, name, nil).Extract()
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to get keypair %s: %w", name, err)
	}
	if existing != nil {
		if strings.TrimSpace(existing.PublicKey) == strings.TrimSpace(publicKey) {
			return nil
		}
		if err := c.DeleteKeypair(ctx, name); err != nil {
			return err
		}
	}
	_, err = keypairs.Create(ctx, c.compute, keypairs.CreateOpts{
		Name:      name,
		PublicKey: publicKey,
	}).Extract()
	if err != nil {
		return fmt.Errorf("failed to import keypair %s: %w", name, err)
	}
	return nil
}

// GetKeypairPublicKey returns the public key of a registered keypair, or ""
// when no keypair of that name exists.
func (c *Connector) GetKeypairPublicKey(ctx context.Context, name string) (string, error) {
	kp, err := keypairs.Get(ctx, c.compute, name, nil).Extract()
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get keypair %s: %w", name, err)
	}
	return kp.PublicKey, nil
}

// CreateKeypair has the backend generate a fresh keypair and returns the
// private key, which exists only in this response.
func (c *Connector) CreateKeypair(ctx context.Context, name string) (string, error) {
	kp, err := keypairs.Create(ctx, c.compute, keypairs.CreateOpts{Name: name}).Extract()
	if err != nil {
		return "", fmt.Errorf("failed to create keypair %s: %w", name, err)
	}
	return kp.PrivateKey, nil
}

// DeleteKeypair removes a keypair; a missing keypair is not an error.
func (c *Connector) DeleteKeypair(ctx context.Context, name string) error {
	if err := keypairs.Delete(ctx, c.compute, name, nil).ExtractErr(); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete keypair %s: %w", name, err)
	}
	return nil
}
