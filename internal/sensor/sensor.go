// Package sensor defines the capability set a data provider must supply:
// catalog query, scene download, and ARD invocation construction. One
// implementation exists per provider, selected by driver name at
// configuration load.
package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/remotesensinginfo/eodatadown/internal/models"
)

// TimeWindow bounds a catalog query.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// SceneDescriptor is one acquisition reported by a provider catalog. The
// provider-assigned SceneID is the sole deduplication key.
type SceneDescriptor struct {
	SceneID    string
	AcquiredAt time.Time
	Footprint  string
	CloudCover float64
	// Source locates the scene bytes: a URL for HTTP providers, an object
	// key for S3 providers.
	Source string
	Size   int64
	// MD5 is the catalog-reported digest when the provider publishes one.
	MD5 string
}

// Validate rejects descriptors whose metadata cannot support the pipeline.
func (d SceneDescriptor) Validate() error {
	if d.SceneID == "" {
		return &models.InvalidSceneError{SceneID: d.SceneID, Reason: "missing scene id"}
	}
	if d.Footprint == "" {
		return &models.InvalidSceneError{SceneID: d.SceneID, Reason: "missing footprint"}
	}
	if d.AcquiredAt.IsZero() {
		return &models.InvalidSceneError{SceneID: d.SceneID, Reason: "missing acquisition time"}
	}
	return nil
}

// IntegrityToken is the provider's statement of what was sent: an MD5 hex
// digest when the provider exposes one, otherwise an expected byte size.
type IntegrityToken struct {
	MD5  string
	Size int64
}

// Invocation describes how to run the external ARD tool for one scene. The
// sensor builds it; execution is centralized in the ARD invoker.
type Invocation struct {
	Program        string
	Args           []string
	Timeout        time.Duration
	OutputArtifact string
}

// Sensor is the per-provider capability set.
type Sensor interface {
	Name() string
	// Query lists acquisitions in the window. Safe to re-invoke; overlapping
	// results are deduplicated downstream, not here.
	Query(ctx context.Context, window TimeWindow) ([]SceneDescriptor, error)
	// Download writes the scene bytes to dest and returns the integrity
	// token to verify them against.
	Download(ctx context.Context, desc SceneDescriptor, dest string) (IntegrityToken, error)
	// Process builds the ARD tool invocation for a downloaded scene.
	Process(localPath, outputPath, tmpDir string) (Invocation, error)
}

// ARDConfig is the per-sensor external tool configuration. Args may contain
// the placeholders {input}, {output}, and {tmp}.
type ARDConfig struct {
	Program    string   `json:"program"`
	Args       []string `json:"args"`
	TimeoutStr string   `json:"timeout"`
	Artifact   string   `json:"artifact"`
}

// Timeout parses the configured timeout, defaulting to one hour.
func (a ARDConfig) Timeout() time.Duration {
	if a.TimeoutStr == "" {
		return time.Hour
	}
	d, err := time.ParseDuration(a.TimeoutStr)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// BuildInvocation expands placeholders in the configured argument list.
func (a ARDConfig) BuildInvocation(localPath, outputPath, tmpDir string) Invocation {
	args := make([]string, 0, len(a.Args))
	for _, arg := range a.Args {
		arg = strings.ReplaceAll(arg, "{input}", localPath)
		arg = strings.ReplaceAll(arg, "{output}", outputPath)
		arg = strings.ReplaceAll(arg, "{tmp}", tmpDir)
		args = append(args, arg)
	}
	artifact := strings.ReplaceAll(a.Artifact, "{output}", outputPath)
	return Invocation{
		Program:        a.Program,
		Args:           args,
		Timeout:        a.Timeout(),
		OutputArtifact: artifact,
	}
}

// Definition is one sensor entry in the sensors JSON file. Credentials and
// provider parameters pass through opaquely to the selected driver.
type Definition struct {
	Name    string          `json:"name"`
	Driver  string          `json:"driver"`
	ARD     ARDConfig       `json:"ard"`
	Options json.RawMessage `json:"options"`
}

type registryFile struct {
	Sensors []Definition `json:"sensors"`
}

// LoadRegistry parses the sensors file and constructs one Sensor per
// definition. If only is non-empty, definitions outside it are skipped.
func LoadRegistry(path string, only []string) (map[string]Sensor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &models.ConfigurationError{Field: "SENSOR_CONFIG_PATH", Reason: err.Error()}
	}
	var file registryFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, &models.ConfigurationError{Field: "SENSOR_CONFIG_PATH", Reason: fmt.Sprintf("parse %s: %v", path, err)}
	}

	wanted := map[string]bool{}
	for _, name := range only {
		wanted[name] = true
	}

	sensors := make(map[string]Sensor)
	for _, def := range file.Sensors {
		if len(wanted) > 0 && !wanted[def.Name] {
			continue
		}
		if def.Name == "" {
			return nil, &models.ConfigurationError{Field: "sensors", Reason: "sensor entry missing name"}
		}
		if _, dup := sensors[def.Name]; dup {
			return nil, &models.ConfigurationError{Field: "sensors", Reason: "duplicate sensor name " + def.Name}
		}
		sn, err := buildSensor(def)
		if err != nil {
			return nil, err
		}
		sensors[def.Name] = sn
	}
	if len(sensors) == 0 {
		return nil, &models.ConfigurationError{Field: "sensors", Reason: "no sensors configured"}
	}
	return sensors, nil
}

func buildSensor(def Definition) (Sensor, error) {
	switch def.Driver {
	case "landsatgoog":
		return newLandsatGoog(def)
	case "sentinel2aws":
		return newSentinel2AWS(def)
	default:
		return nil, &models.ConfigurationError{
			Field:  "sensors",
			Reason: fmt.Sprintf("sensor %s: unknown driver %q", def.Name, def.Driver),
		}
	}
}
