package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solarcurtail/pkg/log"
	"github.com/raterudder/solarcurtail/pkg/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements Database using Google Cloud Firestore. The
// state is stored as a JSON string in sites/{siteID}/state/current.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
	siteID    string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	siteID := lflag.String("firestore-site-id", "default", "Document ID under the sites collection holding the state")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.siteID = *siteID

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID may be empty and detected from the environment.
	if f.siteID == "" {
		return fmt.Errorf("firestore-site-id is required")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) stateDoc() *firestore.DocumentRef {
	return f.client.Collection("sites").Doc(f.siteID).Collection("state").Doc("current")
}

// GetState retrieves the state document.
func (f *FirestoreProvider) GetState(ctx context.Context) (types.PersistedState, error) {
	doc, err := f.stateDoc().Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.PersistedState{}, ErrStateNotFound
		}
		return types.PersistedState{}, fmt.Errorf("failed to fetch state doc: %w", err)
	}

	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}
	if version > types.CurrentStateVersion {
		log.Ctx(ctx).WarnContext(ctx, "state doc has newer version", slog.Int("version", version), slog.String("siteID", f.siteID))
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "state doc missing json", slog.String("siteID", f.siteID))
		return types.PersistedState{}, fmt.Errorf("%w: document missing 'json' field: %v", ErrMalformedState, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "state doc json not string", slog.String("siteID", f.siteID))
		return types.PersistedState{}, fmt.Errorf("%w: 'json' field is not a string", ErrMalformedState)
	}

	var state types.PersistedState
	if err := json.Unmarshal([]byte(jsonStr), &state); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal state json", slog.String("siteID", f.siteID), slog.Any("error", err))
		return types.PersistedState{}, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	return state, nil
}

// SetState overwrites the state document. The record is stored as a JSON
// string so it has exactly the same shape as the file provider.
func (f *FirestoreProvider) SetState(ctx context.Context, state types.PersistedState) error {
	jsonBytes, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	_, err = f.stateDoc().Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": types.CurrentStateVersion,
		"date":    state.Date.String(),
	})
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}
