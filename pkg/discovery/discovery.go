package discovery

// Discovery provides the seed addresses used to join the gossip layer.
// Sources are pull-based; callers re-query when they need fresh seeds.
type Discovery interface {
    Seeds() []string
}
