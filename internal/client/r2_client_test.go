package client

import (
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voiceavatar/api/internal/config"
)

type fakeS3 struct {
	objects map[string][]byte
	types   map[string]string
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	f.types[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestR2Client_PutAndRemove(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
	c := &R2Client{s3Client: fake, bucketName: "recordings", publicURL: "https://cdn.example.com"}

	url, err := c.Put(context.Background(), "recordings/r1.wav", []byte("RIFF"), "audio/wav")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/recordings/r1.wav", url)
	assert.Equal(t, []byte("RIFF"), fake.objects["recordings/r1.wav"])
	assert.Equal(t, "audio/wav", fake.types["recordings/r1.wav"])

	key, ok := c.KeyFromURL(url)
	require.True(t, ok)
	assert.Equal(t, "recordings/r1.wav", key)

	require.NoError(t, c.Remove(context.Background(), key))
	assert.Empty(t, fake.objects)
}

func TestR2Client_KeyFromForeignURL(t *testing.T) {
	c := &R2Client{bucketName: "b", publicURL: "https://cdn.example.com"}
	_, ok := c.KeyFromURL("https://elsewhere.example.com/x.wav")
	assert.False(t, ok)
}

func TestNewR2Client_Incomplete(t *testing.T) {
	_, err := NewR2Client(&config.R2Config{AccessKeyID: "a"})
	assert.Error(t, err)
}
