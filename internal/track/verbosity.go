package track

import "fmt"

// VerbosityProfile controls which optional fields survive into the final
// export, trading completeness for output size.
type VerbosityProfile struct {
	Name               string
	IncludeLandmarks   bool
	IncludeBlendshapes bool
}

// Named verbosity profiles. "full" keeps everything, "standard" drops raw
// landmarks but keeps blendshapes, "compact" keeps neither.
var verbosityProfiles = map[string]VerbosityProfile{
	"full":     {Name: "full", IncludeLandmarks: true, IncludeBlendshapes: true},
	"standard": {Name: "standard", IncludeLandmarks: false, IncludeBlendshapes: true},
	"compact":  {Name: "compact", IncludeLandmarks: false, IncludeBlendshapes: false},
}

// DefaultVerbosity returns the standard profile
func DefaultVerbosity() VerbosityProfile {
	return verbosityProfiles["standard"]
}

// VerbosityByName looks up a named profile
func VerbosityByName(name string) (VerbosityProfile, error) {
	if name == "" {
		return DefaultVerbosity(), nil
	}
	p, ok := verbosityProfiles[name]
	if !ok {
		return VerbosityProfile{}, fmt.Errorf("unknown verbosity profile %q", name)
	}
	return p, nil
}

// VerbosityNames returns the known profile names
func VerbosityNames() []string {
	return []string{"full", "standard", "compact"}
}

// Apply strips the optional fields the profile excludes from a record.
// Returns a copy; records are immutable once emitted.
func (p VerbosityProfile) Apply(rec DetectionRecord) DetectionRecord {
	if !p.IncludeLandmarks {
		rec.Landmarks = nil
	}
	if !p.IncludeBlendshapes {
		rec.Blendshapes = nil
	}
	return rec
}
