// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package s3io

import (
	"bytes"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/rs/zerolog/log"
)

// Journal records the indices of blocks accepted by the write-back cache
// but not yet propagated, as empty marker objects under a reserved
// prefix. After a crash the markers tell the next instance which blocks
// have to be re-propagated. The marker bodies are empty on purpose, the
// block content itself is re-read from the backend.
type Journal struct {
	s *S3IO
}

// DirtyJournal returns the journal bound to this backend. It satisfies
// the journal interface of the cache layer.
func (s *S3IO) DirtyJournal() *Journal {
	return &Journal{s: s}
}

func (j *Journal) key(idx int64) string {
	return j.s.opts.Prefix + journalPrefix + encodeKey("", j.s.width, idx)
}

// Record marks idx dirty.
func (j *Journal) Record(idx int64) error {
	return j.s.do("journal-put", func() error {
		_, err := j.s.client.PutObject(&s3.PutObjectInput{
			Bucket: aws.String(j.s.opts.Bucket),
			Key:    aws.String(j.key(idx)),
			Body:   bytes.NewReader(nil),
		})
		return err
	})
}

// Erase removes the marker for idx. Erasing an absent marker succeeds.
func (j *Journal) Erase(idx int64) error {
	return j.s.do("journal-delete", func() error {
		_, err := j.s.client.DeleteObject(&s3.DeleteObjectInput{
			Bucket: aws.String(j.s.opts.Bucket),
			Key:    aws.String(j.key(idx)),
		})
		return err
	})
}

// List returns all recorded indices.
func (j *Journal) List() ([]int64, error) {
	var idxs []int64
	prefix := j.s.opts.Prefix + journalPrefix

	err := j.s.do("journal-list", func() error {
		return j.s.client.ListObjectsV2Pages(&s3.ListObjectsV2Input{
			Bucket: aws.String(j.s.opts.Bucket),
			Prefix: aws.String(prefix),
		}, func(page *s3.ListObjectsV2Output, last bool) bool {
			for _, o := range page.Contents {
				key := aws.StringValue(o.Key)
				idx, ok := decodeKey(prefix, j.s.width, key)
				if !ok {
					log.Warn().Str("key", key).Msg("Skipping invalid journal marker.")
					continue
				}
				idxs = append(idxs, idx)
			}
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing journal: %w", err)
	}

	return idxs, nil
}
