package domain

import "time"

// Status is the visibility state of an article record.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusPendingImages   Status = "pending-images"
	StatusPublished       Status = "published"
	StatusScheduledFuture Status = "scheduled-future"
)

// Finalized reports whether the status is publicly visible (now or at a future time).
func (s Status) Finalized() bool {
	return s == StatusPublished || s == StatusScheduledFuture
}

// PublishAtLayout is the wall-clock layout used for source-timezone timestamps.
const PublishAtLayout = "2006-01-02 15:04:05"

// Article is the content record synchronized from the upstream publisher.
type Article struct {
	ID          int64   `json:"id"`
	ExternalID  string  `json:"external_id"`
	Title       string  `json:"title"`
	Slug        string  `json:"slug"`
	Body        string  `json:"body"`
	AuthorID    int64   `json:"author_id,omitempty"`
	CategoryIDs []int64 `json:"category_ids,omitempty"`
	ThumbnailID int64   `json:"thumbnail_id,omitempty"`

	// PublishAt is the desired publish time as wall clock in the source timezone,
	// formatted with PublishAtLayout. Empty means "now" at finalization.
	PublishAt string `json:"publish_at,omitempty"`

	Status           Status    `json:"status"`
	PublishedAt      time.Time `json:"published_at,omitempty"`
	PublishedAtLocal string    `json:"published_at_local,omitempty"`

	ImageJobs []ImageJob `json:"image_jobs,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PendingJobs returns the number of image jobs that have not completed.
func (a *Article) PendingJobs() int {
	n := 0
	for _, j := range a.ImageJobs {
		if !j.Done {
			n++
		}
	}
	return n
}

// Job returns the image job tracking url, if any.
func (a *Article) Job(url string) (*ImageJob, bool) {
	for i := range a.ImageJobs {
		if a.ImageJobs[i].URL == url {
			return &a.ImageJobs[i], true
		}
	}
	return nil, false
}

// ImageJob tracks one asynchronous localization of a remote body image.
type ImageJob struct {
	URL         string    `json:"url"`
	Seq         int       `json:"seq"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Done        bool      `json:"done"`
	AssetID     int64     `json:"asset_id,omitempty"`
}

// ImageAsset is a stored binary localized from a remote URL.
type ImageAsset struct {
	ID        int64     `json:"id"`
	Digest    string    `json:"digest"`
	Path      string    `json:"path"`
	URL       string    `json:"url"`
	SourceURL string    `json:"source_url,omitempty"`
	MIMEType  string    `json:"mime_type"`
	AltText   string    `json:"alt_text,omitempty"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
	Size      int64     `json:"size"`
	RecordID  int64     `json:"record_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Category is a taxonomy term an article may be filed under.
type Category struct {
	ID   int64  `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Slug string `json:"slug,omitempty" yaml:"slug"`
}

// CapabilityPublish marks authors allowed to publish.
const CapabilityPublish = "publish_posts"

// Author is a user an article may be attributed to.
type Author struct {
	ID           int64    `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities"`
}

// Can reports whether the author holds the named capability.
func (a Author) Can(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Listing is the {id, name} shape returned by listing endpoints.
type Listing struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// JobLocalizeImage is the scheduler job name for async body image localization.
const JobLocalizeImage = "localize_image"

// LocalizeImageArgs is the payload of a JobLocalizeImage job.
type LocalizeImageArgs struct {
	RecordID int64  `json:"record_id"`
	URL      string `json:"url"`
}
