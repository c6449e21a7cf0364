// Package graph talks to Microsoft Graph for the drive that receives meeting
// recordings: authentication, listing, filtering and content download.
package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"go.uber.org/zap"
)

// DefaultScope requests the app's configured application permissions.
const DefaultScope = "https://graph.microsoft.com/.default"

// ErrMissingCredentials is returned when any credential value is empty.
var ErrMissingCredentials = errors.New("missing graph credentials")

// Credentials identify the app registration used for client-credential auth.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// Validate reports which credential values are absent.
func (c Credentials) Validate() error {
	var missing []string
	if strings.TrimSpace(c.TenantID) == "" {
		missing = append(missing, "tenant id")
	}
	if strings.TrimSpace(c.ClientID) == "" {
		missing = append(missing, "client id")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		missing = append(missing, "client secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	return nil
}

// DriveAPI is the slice of the Graph drive surface the relay uses. A nil
// item or slice with a nil error means the resource does not exist.
type DriveAPI interface {
	Root(ctx context.Context, driveID string) (models.DriveItemable, error)
	Children(ctx context.Context, driveID, itemID string) ([]models.DriveItemable, error)
	Items(ctx context.Context, driveID string) ([]models.DriveItemable, error)
	Content(ctx context.Context, driveID, itemID string) ([]byte, error)
}

// Client is a DriveAPI backed by the Graph SDK.
type Client struct {
	graph  *msgraphsdk.GraphServiceClient
	logger *zap.Logger
}

// NewClient builds an authenticated Graph client from app credentials. No
// token is requested until the first call, so rejected credentials surface
// from that call.
func NewClient(creds Credentials, logger *zap.Logger) (*Client, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cred, err := azidentity.NewClientSecretCredential(creds.TenantID, creds.ClientID, creds.ClientSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("create credential: %w", err)
	}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{DefaultScope})
	if err != nil {
		return nil, fmt.Errorf("create graph client: %w", err)
	}

	return &Client{graph: client, logger: logger}, nil
}

// Root fetches the drive's root folder.
func (c *Client) Root(ctx context.Context, driveID string) (models.DriveItemable, error) {
	root, err := c.graph.Drives().ByDriveId(driveID).Root().Get(ctx, nil)
	if isNotFound(err) {
		c.logger.Info("drive root not found", zap.String("drive_id", driveID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get drive %s root: %w", driveID, err)
	}
	return root, nil
}

// Children returns the first page of an item's children.
func (c *Client) Children(ctx context.Context, driveID, itemID string) ([]models.DriveItemable, error) {
	resp, err := c.graph.Drives().ByDriveId(driveID).Items().ByDriveItemId(itemID).Children().Get(ctx, nil)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list children of %s/%s: %w", driveID, itemID, err)
	}
	if resp == nil {
		return nil, nil
	}
	return resp.GetValue(), nil
}

// Items returns the first page of the drive's items.
func (c *Client) Items(ctx context.Context, driveID string) ([]models.DriveItemable, error) {
	resp, err := c.graph.Drives().ByDriveId(driveID).Items().Get(ctx, nil)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list items of %s: %w", driveID, err)
	}
	if resp == nil {
		return nil, nil
	}
	return resp.GetValue(), nil
}

// Content downloads an item's bytes.
func (c *Client) Content(ctx context.Context, driveID, itemID string) ([]byte, error) {
	data, err := c.graph.Drives().ByDriveId(driveID).Items().ByDriveItemId(itemID).Content().Get(ctx, nil)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get content of %s/%s: %w", driveID, itemID, err)
	}
	return data, nil
}

// isNotFound matches both OData error bodies and bodiless 404s, which the
// adapter reports as a plain ApiError.
func isNotFound(err error) bool {
	var apiErr abstractions.ApiErrorable
	return errors.As(err, &apiErr) && apiErr.GetStatusCode() == http.StatusNotFound
}
