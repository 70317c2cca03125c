package platform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/ChuLiYu/postpilot/pkg/types"
)

// Twitter posts through the v2 tweets endpoint, attaching an image uploaded
// through the v1.1 media endpoint when the post has one.
type Twitter struct {
	api       *apiClient
	apiURL    string
	uploadURL string
}

func (t *Twitter) Platform() types.Platform { return types.PlatformTwitter }

type tweetRequest struct {
	Text  string      `json:"text"`
	Media *tweetMedia `json:"media,omitempty"`
}

type tweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

func (t *Twitter) Publish(ctx context.Context, post *types.Post, account *types.SocialAccount) types.PublishResult {
	req := tweetRequest{Text: post.Content}

	if post.ImageURL != "" {
		mediaID, err := t.uploadImage(ctx, post.ImageURL, account.AccessToken)
		if err != nil {
			// the tweet still goes out, text only
			t.api.log.Warn("twitter image upload failed", "post_id", post.ID, "error", err)
		} else {
			req.Media = &tweetMedia{MediaIDs: []string{mediaID}}
		}
	}

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if _, err := t.api.postJSON(ctx, types.PlatformTwitter, t.apiURL+"/2/tweets", account.AccessToken, nil, req, &resp); err != nil {
		return failure(types.PlatformTwitter, err)
	}
	return success(types.PlatformTwitter, resp.Data.ID)
}

func (t *Twitter) uploadImage(ctx context.Context, imageURL, token string) (string, error) {
	image, err := t.download(ctx, imageURL)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("media", "image")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(image); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.uploadURL+"/1.1/media/upload.json", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	var resp struct {
		MediaIDString string `json:"media_id_string"`
	}
	if _, err := t.api.do(types.PlatformTwitter, req, &resp); err != nil {
		return "", err
	}
	if resp.MediaIDString == "" {
		return "", fmt.Errorf("upload response has no media_id_string")
	}
	return resp.MediaIDString, nil
}

func (t *Twitter) download(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.api.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download image: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 5<<20))
}
