package reveal

import "gacha-exchange/internal/domain"

// Tier names the reveal sequence played for a pull.
type Tier string

// Reveal tiers
const (
	TierRadianceMulti Tier = "radiance-multi"
	Tier5StarSingle   Tier = "5star-single"
	Tier4StarSingle   Tier = "4star-single"
	Tier3StarSingle   Tier = "3star-single"
	Tier5StarMulti    Tier = "5star-multi"
	Tier4StarMulti    Tier = "4star-multi"
)

// SelectTier picks the reveal tier from the highest rarity among items.
// A single pull of rarity 6 or more plays the radiance sequence.
func SelectTier(items []*domain.Item, multi bool) Tier {
	r := domain.MaxRarity(items)
	if multi {
		if r >= 5 {
			return Tier5StarMulti
		}
		return Tier4StarMulti
	}
	switch {
	case r >= 6:
		return TierRadianceMulti
	case r == 5:
		return Tier5StarSingle
	case r == 4:
		return Tier4StarSingle
	default:
		return Tier3StarSingle
	}
}
