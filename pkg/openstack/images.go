package openstack

import (
	"context"
	"fmt"
	"strings"

	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/v2/openstack/image/v2/images"

	"github.com/deNBI/simplevm-client/pkg/api"
	"github.com/deNBI/simplevm-client/pkg/apierror"
)

// ImageLookup controls how an image reference is resolved. The replacement
// flags let boot paths substitute a deactivated or vanished image with the
// newest active build of the same OS line.
type ImageLookup struct {
	NameOrID        string
	ReplaceInactive bool
	IgnoreNotActive bool
	ReplaceNotFound bool
	IgnoreNotFound  bool
	SlurmVersion    string
}

// ResolveImage finds an image by ID or name and applies the replacement
// policy. The returned image is always active unless IgnoreNotActive is set.
// With IgnoreNotFound, a miss that cannot be replaced yields (nil, nil).
func (c *Connector) ResolveImage(ctx context.Context, lookup ImageLookup) (*images.Image, error) {
	img, err := c.findImage(ctx, lookup.NameOrID)
	if err != nil {
		return nil, err
	}
	switch {
	case img == nil && lookup.ReplaceNotFound:
		replacement, err := c.activeImageByOSLine(ctx, deriveOSVersion(lookup.NameOrID), "ubuntu", lookup.SlurmVersion)
		if err != nil && lookup.IgnoreNotFound && apierror.IsKind(err, apierror.ImageNotFound) {
			return nil, nil
		}
		return replacement, err
	case img == nil && lookup.IgnoreNotFound:
		return nil, nil
	case img == nil:
		return nil, apierror.New(apierror.ImageNotFound, lookup.NameOrID, "image not found")
	case img.Status != images.ImageStatusActive && lookup.ReplaceInactive:
		return c.activeImageByOSLine(ctx, propString(img.Properties, "os_version"), propString(img.Properties, "os_distro"), lookup.SlurmVersion)
	case img.Status != images.ImageStatusActive && !lookup.IgnoreNotActive:
		return nil, apierror.New(apierror.ImageNotActive, lookup.NameOrID, "image found but not active (status %s)", img.Status)
	default:
		return img, nil
	}
}

func (c *Connector) findImage(ctx context.Context, nameOrID string) (*images.Image, error) {
	img, err := images.Get(ctx, c.image, nameOrID).Extract()
	if err == nil {
		return img, nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("failed to get image %s: %w", nameOrID, err)
	}
	all, err := c.listImages(ctx, images.ListOpts{Name: nameOrID})
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	return &all[0], nil
}

// activeImageByOSLine picks a replacement image: an active build of the given
// os_version and os_distro that is not itself derived from another image.
// Worker images additionally have to carry the requested slurm version.
func (c *Connector) activeImageByOSLine(ctx context.Context, osVersion, osDistro, slurmVersion string) (*images.Image, error) {
	if osVersion == "" {
		return nil, apierror.New(apierror.ImageNotFound, osVersion, "cannot derive an os_version to search a replacement image for")
	}
	all, err := c.listImages(ctx, images.ListOpts{Status: images.ImageStatusActive})
	if err != nil {
		return nil, err
	}
	if img := pickReplacementImage(all, osVersion, osDistro, slurmVersion); img != nil {
		return img, nil
	}
	return nil, apierror.New(apierror.ImageNotFound, osVersion, "no active image for os_version %s", osVersion)
}

func pickReplacementImage(all []images.Image, osVersion, osDistro, slurmVersion string) *images.Image {
	for i := range all {
		img := &all[i]
		if propString(img.Properties, "os_version") != osVersion {
			continue
		}
		if osDistro != "" && propString(img.Properties, "os_distro") != osDistro {
			continue
		}
		if _, derived := img.Properties["base_image_ref"]; derived {
			continue
		}
		if slurmVersion != "" && hasTag(img.Tags, "worker") && propString(img.Properties, "slurm_version") != slurmVersion {
			continue
		}
		return img
	}
	return nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// deriveOSVersion extracts a ubuntu version token from an image name.
func deriveOSVersion(imageName string) string {
	for token, version := range map[string]string{
		"20.04": "20.04", "2004": "20.04",
		"22.04": "22.04", "2204": "22.04",
		"24.04": "24.04", "2404": "24.04",
	} {
		if strings.Contains(imageName, token) {
			return version
		}
	}
	return ""
}

// GetImage resolves a single image for the RPC surface.
func (c *Connector) GetImage(ctx context.Context, nameOrID string, ignoreNotActive bool) (*api.Image, error) {
	img, err := c.ResolveImage(ctx, ImageLookup{NameOrID: nameOrID, IgnoreNotActive: ignoreNotActive})
	if err != nil {
		return nil, err
	}
	return api.FromImage(img), nil
}

// GetImages lists the active, tagged images offered to portal users.
func (c *Connector) GetImages(ctx context.Context) ([]*api.Image, error) {
	all, err := c.listImages(ctx, images.ListOpts{Status: images.ImageStatusActive})
	if err != nil {
		return nil, err
	}
	return api.FromImages(filterTagged(all)), nil
}

// GetPublicImages lists active, tagged public images.
func (c *Connector) GetPublicImages(ctx context.Context) ([]*api.Image, error) {
	all, err := c.listImages(ctx, images.ListOpts{
		Status:     images.ImageStatusActive,
		Visibility: images.ImageVisibilityPublic,
	})
	if err != nil {
		return nil, err
	}
	return api.FromImages(filterTagged(all)), nil
}

// GetPrivateImages lists active, tagged project-private images, snapshots
// included.
func (c *Connector) GetPrivateImages(ctx context.Context) ([]*api.Image, error) {
	all, err := c.listImages(ctx, images.ListOpts{
		Status:     images.ImageStatusActive,
		Visibility: images.ImageVisibilityPrivate,
	})
	if err != nil {
		return nil, err
	}
	return api.FromImages(filterTagged(all)), nil
}

// filterTagged keeps only images that carry tags; untagged images are not
// offered to portal users.
func filterTagged(all []images.Image) []images.Image {
	tagged := all[:0]
	for _, img := range all {
		if len(img.Tags) > 0 {
			tagged = append(tagged, img)
		}
	}
	return tagged
}

// CreateSnapshot asks the backend to snapshot a server and tags the resulting
// image so the portal can find it again.
func (c *Connector) CreateSnapshot(ctx context.Context, serverID, name, username, baseTag string, tags []string) (string, error) {
	imageID, err := servers.CreateImage(ctx, c.compute, serverID, servers.CreateImageOpts{
		Name: name,
		Metadata: map[string]string{
			"username":       username,
			"base_image_ref": baseTag,
		},
	}).ExtractImageID()
	if err != nil {
		if isConflict(err) {
			return "", apierror.Wrap(apierror.OpenStackConflict, serverID, err)
		}
		return "", fmt.Errorf("failed to snapshot server %s: %w", serverID, err)
	}
	if len(tags) > 0 {
		_, err = images.Update(ctx, c.image, imageID, images.UpdateOpts{
			images.ReplaceImageTags{NewTags: tags},
		}).Extract()
		if err != nil {
			c.log.Error(err, "snapshot created but tagging failed", "imageID", imageID)
		}
	}
	c.log.Info("snapshot created", "server", serverID, "image", imageID, "name", name)
	return imageID, nil
}

// DeleteImage removes an image.
func (c *Connector) DeleteImage(ctx context.Context, imageID string) error {
	if err := images.Delete(ctx, c.image, imageID).ExtractErr(); err != nil {
		if isNotFound(err) {
			return apierror.New(apierror.ImageNotFound, imageID, "image not found")
		}
		return fmt.Errorf("failed to delete image %s: %w", imageID, err)
	}
	return nil
}

func (c *Connector) listImages(ctx context.Context, opts images.ListOpts) ([]images.Image, error) {
	pages, err := images.List(c.image, opts).AllPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	all, err := images.ExtractImages(pages)
	if err != nil {
		return nil, fmt.Errorf("failed to extract images: %w", err)
	}
	return all, nil
}

func propString(props map[string]any, key string) string {
	if props == nil {
		return ""
	}
	s, _ := props[key].(string)
	return s
}
