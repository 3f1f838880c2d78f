package urlstrategy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-image/pkg/simpleimage/urlstrategy"
)

func TestVirtualHostStrategy(t *testing.T) {
	s, err := urlstrategy.New(urlstrategy.Config{Bucket: "photos", Region: "eu-west-1"})
	require.NoError(t, err)

	got, err := s.PublicURL("images/abc/w320.jpg")
	require.NoError(t, err)
	assert.Equal(t, "https://photos.s3.eu-west-1.amazonaws.com/images/abc/w320.jpg", got)

	got, err = s.PublicURL("images/a b/original.jpg")
	require.NoError(t, err)
	assert.Equal(t, "https://photos.s3.eu-west-1.amazonaws.com/images/a%20b/original.jpg", got)

	_, err = s.PublicURL("")
	assert.Error(t, err)
}

func TestS3Host(t *testing.T) {
	assert.Equal(t, "s3.amazonaws.com", urlstrategy.S3Host(""))
	assert.Equal(t, "s3.amazonaws.com", urlstrategy.S3Host("us-east-1"))
	assert.Equal(t, "s3.ap-south-1.amazonaws.com", urlstrategy.S3Host("ap-south-1"))
}

func TestPathStyleStrategy(t *testing.T) {
	s, err := urlstrategy.New(urlstrategy.Config{
		Type:     urlstrategy.StrategyTypePathStyle,
		Endpoint: "http://localhost:9000/",
		Bucket:   "dev",
	})
	require.NoError(t, err)
	got, err := s.PublicURL("images/x/original.png")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000/dev/images/x/original.png", got)
}

func TestCDNStrategy(t *testing.T) {
	s, err := urlstrategy.New(urlstrategy.Config{Type: urlstrategy.StrategyTypeCDN, BaseURL: "https://cdn.example.com/"})
	require.NoError(t, err)
	got, err := s.PublicURL("images/x/w640.jpg")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/images/x/w640.jpg", got)

	_, err = urlstrategy.NewCDNStrategy("").PublicURL("k")
	assert.Error(t, err)
}

func TestNew_Errors(t *testing.T) {
	tests := []urlstrategy.Config{
		{},
		{Type: urlstrategy.StrategyTypePathStyle, Bucket: "b"},
		{Type: urlstrategy.StrategyTypeCDN},
		{Type: "presigned"},
	}
	for _, cfg := range tests {
		_, err := urlstrategy.New(cfg)
		assert.Error(t, err, "config %+v", cfg)
	}
}
