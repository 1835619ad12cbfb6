package domain

// UnknownTrait is the value assigned to a trait missing from a descriptor.
const UnknownTrait = "Unknown"

// Trait type names read from descriptors.
const (
	TraitElement  = "Element"
	TraitWeapon   = "Weapon"
	TraitFaction  = "Faction"
	TraitCategory = "Category"
)

// RawIdentifier is a token as reported by the contract.
type RawIdentifier struct {
	TokenID  uint64
	Rarity   uint8  // contract tier, 0-indexed
	TokenURI string // content-addressed, e.g. ipfs://<cid>
}

// Trait is one (trait_type, value) pair of a descriptor.
type Trait struct {
	Type  string
	Value string
}

// Descriptor is the off-chain document a token URI points at.
// It never changes for a given content identifier.
type Descriptor struct {
	Name   string
	Image  string
	Traits []Trait
}

// Trait returns the value of the first trait with the given type,
// or UnknownTrait when absent.
func (d *Descriptor) Trait(traitType string) string {
	for _, t := range d.Traits {
		if t.Type == traitType {
			return t.Value
		}
	}
	return UnknownTrait
}

// ItemKind is the explicit variant tag of an Item payload.
type ItemKind string

// Item kinds
const (
	KindCharacter ItemKind = "character"
	KindGear      ItemKind = "gear"
)

// Payload is the variant part of an Item. Implemented by CharacterTraits and GearTraits.
type Payload interface {
	Kind() ItemKind
}

// CharacterTraits is the payload of items whose descriptor has a known Element.
type CharacterTraits struct {
	Element string `json:"element"`
	Weapon  string `json:"weapon"`
	Faction string `json:"faction"`
}

// Kind implements Payload.
func (CharacterTraits) Kind() ItemKind { return KindCharacter }

// GearTraits is the payload of every other item.
type GearTraits struct {
	Category string `json:"category"`
}

// Kind implements Payload.
func (GearTraits) Kind() ItemKind { return KindGear }

// Item is a token enriched with its descriptor.
type Item struct {
	ID       uint64
	Name     string
	Rarity   int // 1-based
	ImageURL string
	Payload  Payload
	Listing  *Listing

	// Owner is set for items read back from a collection.
	Owner Account
}

// Kind returns the payload variant.
func (i *Item) Kind() ItemKind {
	if i.Payload == nil {
		return ""
	}
	return i.Payload.Kind()
}

// Character returns the character payload, if any.
func (i *Item) Character() (CharacterTraits, bool) {
	c, ok := i.Payload.(CharacterTraits)
	return c, ok
}

// Gear returns the gear payload, if any.
func (i *Item) Gear() (GearTraits, bool) {
	g, ok := i.Payload.(GearTraits)
	return g, ok
}

// Listing is the sale facet of an item currently offered on the marketplace.
type Listing struct {
	Active bool
	Price  string // decimal ether
	Seller Account
}

// MaxRarity returns the highest rarity among items, or 0 for none.
func MaxRarity(items []*Item) int {
	max := 0
	for _, it := range items {
		if it != nil && it.Rarity > max {
			max = it.Rarity
		}
	}
	return max
}
