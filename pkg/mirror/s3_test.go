package mirror_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3FT-io/dermascan/pkg/core"
	"github.com/3FT-io/dermascan/pkg/mirror"
)

type fakeS3 struct {
	bucketExists bool
	createErr    error
	created      []*s3.CreateBucketInput
	puts         []*s3.PutObjectInput
	bodies       [][]byte
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.bucketExists {
		return &s3.HeadBucketOutput{}, nil
	}
	return nil, &types.NotFound{}
}

func (f *fakeS3) CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.created = append(f.created, in)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.puts = append(f.puts, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

type memSource map[string][]byte

func (m memSource) StreamModel(ctx context.Context, id string, w io.Writer) error {
	data, ok := m[id]
	if !ok {
		return core.ErrModelNotFound
	}
	_, err := w.Write(data)
	return err
}

func TestEnsureBucket(t *testing.T) {
	tests := []struct {
		name       string
		client     *fakeS3
		region     string
		wantCreate bool
		wantLoc    types.BucketLocationConstraint
		wantErr    bool
	}{
		{name: "exists", client: &fakeS3{bucketExists: true}, region: "eu-west-1"},
		{name: "created in us-east-1", client: &fakeS3{}, region: "us-east-1", wantCreate: true},
		{name: "created with location", client: &fakeS3{}, region: "eu-west-1", wantCreate: true, wantLoc: "eu-west-1"},
		{name: "already owned", client: &fakeS3{createErr: &types.BucketAlreadyOwnedByYou{}}, region: "us-east-1", wantCreate: true},
		{name: "create fails", client: &fakeS3{createErr: errors.New("denied")}, region: "us-east-1", wantCreate: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := mirror.NewS3Mirror(tt.client, memSource{}, mirror.Config{Bucket: "models", Region: tt.region}, zap.NewNop())
			err := m.EnsureBucket(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			if !tt.wantCreate {
				assert.Empty(t, tt.client.created)
				return
			}
			require.Len(t, tt.client.created, 1)
			in := tt.client.created[0]
			assert.Equal(t, "models", aws.ToString(in.Bucket))
			if tt.wantLoc == "" {
				assert.Nil(t, in.CreateBucketConfiguration)
			} else {
				require.NotNil(t, in.CreateBucketConfiguration)
				assert.Equal(t, tt.wantLoc, in.CreateBucketConfiguration.LocationConstraint)
			}
		})
	}
}

func TestModelPublished(t *testing.T) {
	client := &fakeS3{bucketExists: true}
	artifact := []byte(`{"format":"dermascan-softmax-v1"}`)
	meta := &core.ModelMetadata{
		ID:     "abc",
		Name:   "dermascan_retrained",
		Format: "dermascan-softmax-v1",
		Size:   int64(len(artifact)),
		Hash:   core.HashBytes(artifact),
	}
	m := mirror.NewS3Mirror(client, memSource{"abc": artifact}, mirror.Config{Bucket: "models", Prefix: "prod"}, zap.NewNop())

	assert.Equal(t, "prod/models/abc/dermascan_retrained.json", m.Key(meta))
	require.NoError(t, m.ModelPublished(context.Background(), meta))

	require.Len(t, client.puts, 1)
	put := client.puts[0]
	assert.Equal(t, "models", aws.ToString(put.Bucket))
	assert.Equal(t, "prod/models/abc/dermascan_retrained.json", aws.ToString(put.Key))
	assert.Equal(t, int64(len(artifact)), aws.ToInt64(put.ContentLength))
	assert.Equal(t, meta.Hash, put.Metadata["sha256"])
	assert.True(t, bytes.Equal(artifact, client.bodies[0]))
}

func TestModelPublishedMissingArtifact(t *testing.T) {
	client := &fakeS3{}
	m := mirror.NewS3Mirror(client, memSource{}, mirror.Config{Bucket: "models"}, zap.NewNop())

	err := m.ModelPublished(context.Background(), &core.ModelMetadata{ID: "gone", Name: "x"})
	assert.ErrorIs(t, err, core.ErrModelNotFound)
	assert.Empty(t, client.puts)
}
