package domain

// PayloadKind tags the variant of a platform payload.
type PayloadKind string

const (
	KindText     PayloadKind = "text"
	KindVoice    PayloadKind = "voice"
	KindImage    PayloadKind = "image"
	KindVideo    PayloadKind = "video"
	KindFile     PayloadKind = "file"
	KindRichText PayloadKind = "richText"
)

// Payload is the closed set of inbound message bodies. Transports map their
// native update shapes onto one of the concrete types below.
type Payload interface {
	Kind() PayloadKind
}

// MediaRef points at remote media. Either URL is directly fetchable, or
// FileID must first be resolved through the platform's MediaResolver.
// A URL with the "data:" scheme carries the bytes inline.
type MediaRef struct {
	URL      string            `json:"url,omitempty"`
	FileID   string            `json:"file_id,omitempty"`
	MimeType string            `json:"mime_type,omitempty"`
	Name     string            `json:"name,omitempty"`
	Size     int64             `json:"size,omitempty"`
	Header   map[string]string `json:"-"`
}

type TextPayload struct {
	Text string
}

type VoicePayload struct {
	Media MediaRef
	// Transcript is set when the platform already recognized the speech.
	Transcript string
}

type ImagePayload struct {
	Media   MediaRef
	Caption string
}

type VideoPayload struct {
	Media   MediaRef
	Caption string
}

type FilePayload struct {
	Media   MediaRef
	Caption string
}

// SegmentKind tags one piece of a rich/composite message.
type SegmentKind string

const (
	SegmentText    SegmentKind = "text"
	SegmentMention SegmentKind = "mention"
	SegmentImage   SegmentKind = "image"
	SegmentFile    SegmentKind = "file"
)

type Segment struct {
	Kind  SegmentKind
	Text  string
	Media MediaRef
}

type RichTextPayload struct {
	Segments []Segment
}

func (TextPayload) Kind() PayloadKind     { return KindText }
func (VoicePayload) Kind() PayloadKind    { return KindVoice }
func (ImagePayload) Kind() PayloadKind    { return KindImage }
func (VideoPayload) Kind() PayloadKind    { return KindVideo }
func (FilePayload) Kind() PayloadKind     { return KindFile }
func (RichTextPayload) Kind() PayloadKind { return KindRichText }

// Attachment is a media item downloaded to local disk.
type Attachment struct {
	Kind     PayloadKind `json:"kind"`
	Path     string      `json:"path"`
	Name     string      `json:"name,omitempty"`
	MimeType string      `json:"mime_type,omitempty"`
	Size     int64       `json:"size"`
	// ArchiveURL is set when the attachment was also copied to object storage.
	ArchiveURL string `json:"archive_url,omitempty"`
}

// Content is the canonical shape handed to the agent loop.
type Content struct {
	Text        string
	Attachments []Attachment
}
