package platform

import (
	"context"
	"net/url"

	"github.com/ChuLiYu/postpilot/pkg/types"
)

// Facebook publishes to a page feed, or as a photo when the post has an image.
type Facebook struct {
	api      *apiClient
	graphURL string
}

func (f *Facebook) Platform() types.Platform { return types.PlatformFacebook }

func (f *Facebook) Publish(ctx context.Context, post *types.Post, account *types.SocialAccount) types.PublishResult {
	form := url.Values{
		"message":      {post.Content},
		"access_token": {account.AccessToken},
	}
	endpoint := f.graphURL + "/" + url.PathEscape(account.AccountID) + "/feed"
	if post.ImageURL != "" {
		form.Set("url", post.ImageURL)
		endpoint = f.graphURL + "/" + url.PathEscape(account.AccountID) + "/photos"
	}

	var resp struct {
		ID     string `json:"id"`
		PostID string `json:"post_id"`
	}
	if err := f.api.postForm(ctx, types.PlatformFacebook, endpoint, form, &resp); err != nil {
		return failure(types.PlatformFacebook, err)
	}
	if resp.PostID != "" {
		return success(types.PlatformFacebook, resp.PostID)
	}
	return success(types.PlatformFacebook, resp.ID)
}
