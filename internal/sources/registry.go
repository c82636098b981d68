package sources

import (
	"github.com/rs/zerolog/log"

	"github.com/wxedge/wxedge/internal/config"
	"github.com/wxedge/wxedge/internal/models"
)

// Registry owns the constructed source clients and decides which ones
// apply to a given city. Clients are shared across cities; per-city
// filtering happens at lookup time.
type Registry struct {
	sources map[string]Source
	spread  SpreadSource
}

// NewRegistry builds every configured client once, breaker-wrapped.
func NewRegistry(cfg *config.Config) *Registry {
	sc := cfg.Sources
	r := &Registry{sources: map[string]Source{}}

	r.sources[SourceGFS] = WithBreaker(NewOpenMeteo(sc.OpenMeteoBaseURL, SourceGFS, "gfs_seamless"))
	r.sources[SourceECMWF] = WithBreaker(NewOpenMeteo(sc.OpenMeteoBaseURL, SourceECMWF, "ecmwf_ifs025"))
	r.sources[SourceICON] = WithBreaker(NewOpenMeteo(sc.OpenMeteoBaseURL, SourceICON, "icon_seamless"))
	r.sources[SourceGEM] = WithBreaker(NewOpenMeteo(sc.OpenMeteoBaseURL, SourceGEM, "gem_seamless"))
	r.sources[SourceARPEGE] = WithBreaker(NewOpenMeteo(sc.OpenMeteoBaseURL, SourceARPEGE, "meteofrance_seamless"))
	r.sources[SourceNWS] = WithBreaker(NewNWS(sc.NWSBaseURL))

	if sc.TomorrowAPIKey != "" {
		r.sources[SourceTomorrow] = WithBreaker(NewTomorrowIO(sc.TomorrowBaseURL, sc.TomorrowAPIKey))
	} else {
		log.Info().Msg("tomorrowio key absent, source disabled")
	}

	r.spread = NewOpenMeteoSpread(sc.OpenMeteoEnsembleBaseURL)
	return r
}

// ForCity returns the sources to fetch for a city, shadows included.
// NWS applies to US cities only; ARPEGE is fetched only where the
// European shadow flag is set.
func (r *Registry) ForCity(city models.City) []Source {
	out := make([]Source, 0, len(r.sources))
	for name, src := range r.sources {
		switch name {
		case SourceNWS:
			if !city.USCity {
				continue
			}
		case SourceARPEGE:
			if !city.EuroShadow {
				continue
			}
		}
		out = append(out, src)
	}
	return out
}

// Spread returns the ensemble-spread source.
func (r *Registry) Spread() SpreadSource { return r.spread }

// Get returns a source by name, nil when not configured.
func (r *Registry) Get(name string) Source { return r.sources[name] }
