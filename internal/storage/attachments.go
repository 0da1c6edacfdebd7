package storage

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/civicworks/roadwatch/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

var (
	ErrNotImage = errors.New("attachment must be an image")
	ErrTooLarge = errors.New("attachment exceeds the size limit")
	ErrNotFound = errors.New("attachment not found")
)

const (
	// MaxAttachmentSize caps a single uploaded image.
	MaxAttachmentSize = 5 << 20

	uploadTimeout   = 30 * time.Second
	downloadTimeout = 30 * time.Second
)

// Attachment describes a stored chat image.
type Attachment struct {
	ID           string
	TicketNumber string
	Filename     string
	ContentType  string
	URL          string
}

// AttachmentStore keeps chat images in GridFS, namespaced by ticket number,
// and hands out the public URL the chat message references.
type AttachmentStore struct {
	bucket  *gridfs.Bucket
	baseURL string
	logger  *zap.Logger
}

func NewAttachmentStore(db *mongo.Database, baseURL string, logger *zap.Logger) (*AttachmentStore, error) {
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName("attachments"))
	if err != nil {
		return nil, fmt.Errorf("open attachment bucket: %w", err)
	}
	return &AttachmentStore{
		bucket:  bucket,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}, nil
}

// Upload stores one image under the ticket's namespace and returns its
// public description. Only image content types are accepted.
func (s *AttachmentStore) Upload(ticketNumber, filename, contentType string, r io.Reader) (*Attachment, error) {
	ticketNumber = model.NormalizeTicketNumber(ticketNumber)
	if !model.ValidTicketNumber(ticketNumber) {
		return nil, fmt.Errorf("invalid ticket number %q", ticketNumber)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, ErrNotImage
	}

	name := path.Join(ticketNumber, path.Base(filename))
	opts := options.GridFSUpload().SetMetadata(bson.M{
		"ticket_number": ticketNumber,
		"content_type":  contentType,
	})

	if err := s.bucket.SetWriteDeadline(time.Now().Add(uploadTimeout)); err != nil {
		return nil, err
	}

	limited := &limitedReader{r: r, remaining: MaxAttachmentSize}
	id, err := s.bucket.UploadFromStream(name, limited, opts)
	if err != nil {
		if errors.Is(err, errSizeExceeded) {
			return nil, ErrTooLarge
		}
		return nil, fmt.Errorf("store attachment: %w", err)
	}

	s.logger.Info("attachment stored",
		zap.String("ticket", ticketNumber),
		zap.String("file_id", id.Hex()),
		zap.String("content_type", contentType),
	)

	return &Attachment{
		ID:           id.Hex(),
		TicketNumber: ticketNumber,
		Filename:     name,
		ContentType:  contentType,
		URL:          s.URL(id.Hex()),
	}, nil
}

// Open streams a stored attachment. The caller closes the returned reader.
func (s *AttachmentStore) Open(id string) (io.ReadCloser, *Attachment, error) {
	fileID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, nil, ErrNotFound
	}

	if err := s.bucket.SetReadDeadline(time.Now().Add(downloadTimeout)); err != nil {
		return nil, nil, err
	}

	stream, err := s.bucket.OpenDownloadStream(fileID)
	if err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("open attachment: %w", err)
	}

	file := stream.GetFile()
	att := &Attachment{
		ID:       id,
		Filename: file.Name,
		URL:      s.URL(id),
	}
	var meta struct {
		TicketNumber string `bson:"ticket_number"`
		ContentType  string `bson:"content_type"`
	}
	if file.Metadata != nil {
		if err := bson.Unmarshal(file.Metadata, &meta); err == nil {
			att.TicketNumber = meta.TicketNumber
			att.ContentType = meta.ContentType
		}
	}

	return stream, att, nil
}

// URL returns the publicly retrievable location for a stored attachment.
func (s *AttachmentStore) URL(id string) string {
	return s.baseURL + "/api/attachments/" + id
}

var errSizeExceeded = errors.New("size limit exceeded")

// limitedReader fails the upload instead of silently truncating it.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, errSizeExceeded
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, errSizeExceeded
	}
	return n, err
}
