package platform

import (
	"context"
	"fmt"
	"net/url"

	"github.com/ChuLiYu/postpilot/pkg/types"
)

// Instagram publishes in two steps: create a media container, then publish
// it. A container whose publish step fails is left behind unpublished.
type Instagram struct {
	api      *apiClient
	graphURL string
}

func (i *Instagram) Platform() types.Platform { return types.PlatformInstagram }

func (i *Instagram) Publish(ctx context.Context, post *types.Post, account *types.SocialAccount) types.PublishResult {
	if post.ImageURL == "" {
		return failure(types.PlatformInstagram, &MissingImageError{Platform: types.PlatformInstagram})
	}
	base := i.graphURL + "/" + url.PathEscape(account.AccountID)

	var container struct {
		ID string `json:"id"`
	}
	err := i.api.postForm(ctx, types.PlatformInstagram, base+"/media", url.Values{
		"image_url":    {post.ImageURL},
		"caption":      {post.Content},
		"access_token": {account.AccessToken},
	}, &container)
	if err != nil {
		return failure(types.PlatformInstagram, fmt.Errorf("create container: %w", err))
	}

	var published struct {
		ID string `json:"id"`
	}
	err = i.api.postForm(ctx, types.PlatformInstagram, base+"/media_publish", url.Values{
		"creation_id":  {container.ID},
		"access_token": {account.AccessToken},
	}, &published)
	if err != nil {
		i.api.log.Warn("instagram container left unpublished", "post_id", post.ID, "container_id", container.ID)
		return failure(types.PlatformInstagram, fmt.Errorf("publish container %s: %w", container.ID, err))
	}
	return success(types.PlatformInstagram, published.ID)
}
