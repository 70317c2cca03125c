package platform

import (
	"context"

	"github.com/ChuLiYu/postpilot/pkg/types"
)

// LinkedIn shares text through the UGC posts API. Images are not uploaded.
type LinkedIn struct {
	api    *apiClient
	apiURL string
}

func (l *LinkedIn) Platform() types.Platform { return types.PlatformLinkedIn }

type ugcPost struct {
	Author          string             `json:"author"`
	LifecycleState  string             `json:"lifecycleState"`
	SpecificContent ugcSpecificContent `json:"specificContent"`
	Visibility      map[string]string  `json:"visibility"`
}

type ugcSpecificContent struct {
	ShareContent ugcShareContent `json:"com.linkedin.ugc.ShareContent"`
}

type ugcShareContent struct {
	ShareCommentary    ugcText `json:"shareCommentary"`
	ShareMediaCategory string  `json:"shareMediaCategory"`
}

type ugcText struct {
	Text string `json:"text"`
}

func (l *LinkedIn) Publish(ctx context.Context, post *types.Post, account *types.SocialAccount) types.PublishResult {
	if post.ImageURL != "" {
		l.api.log.Warn("linkedin image upload not supported, sharing text only", "post_id", post.ID)
	}

	body := ugcPost{
		Author:         "urn:li:person:" + account.AccountID,
		LifecycleState: "PUBLISHED",
		SpecificContent: ugcSpecificContent{ShareContent: ugcShareContent{
			ShareCommentary:    ugcText{Text: post.Content},
			ShareMediaCategory: "NONE",
		}},
		Visibility: map[string]string{"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC"},
	}
	headers := map[string]string{"X-Restli-Protocol-Version": "2.0.0"}

	var resp struct {
		ID string `json:"id"`
	}
	header, err := l.api.postJSON(ctx, types.PlatformLinkedIn, l.apiURL+"/v2/ugcPosts", account.AccessToken, headers, body, &resp)
	if err != nil {
		return failure(types.PlatformLinkedIn, err)
	}
	id := resp.ID
	if id == "" {
		id = header.Get("X-Restli-Id")
	}
	return success(types.PlatformLinkedIn, id)
}
