package chain

// GachaCollectibleABI is the input ABI of the GachaCollectible contract,
// trimmed to the methods and events the client uses.
const GachaCollectibleABI = `[
	{"type":"function","name":"pullGacha","stateMutability":"payable","inputs":[],"outputs":[]},
	{"type":"function","name":"multiPullGacha","stateMutability":"payable","inputs":[],"outputs":[]},
	{"type":"function","name":"mintCard","stateMutability":"payable","inputs":[{"name":"tokenURI","type":"string"},{"name":"rarity","type":"uint8"}],"outputs":[]},
	{"type":"function","name":"listForSale","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"},{"name":"price","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"cancelListing","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"buyListed","stateMutability":"payable","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"getRarity","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"tokenURI","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"getTokensOfOwner","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256[]"}]},
	{"type":"function","name":"getTokenListing","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"price","type":"uint256"},{"name":"seller","type":"address"},{"name":"active","type":"bool"}]},
	{"type":"function","name":"isTokenListed","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"MAX_SUPPLY","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"PULL_PRICE","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"MULTI_PULL_PRICE","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"GachaPulled","anonymous":false,"inputs":[{"name":"player","type":"address","indexed":true},{"name":"tokenIds","type":"uint256[]","indexed":false}]},
	{"type":"event","name":"CardMinted","anonymous":false,"inputs":[{"name":"to","type":"address","indexed":true},{"name":"tokenId","type":"uint256","indexed":true},{"name":"rarity","type":"uint8","indexed":false}]},
	{"type":"event","name":"TokenListed","anonymous":false,"inputs":[{"name":"tokenId","type":"uint256","indexed":true},{"name":"seller","type":"address","indexed":true},{"name":"price","type":"uint256","indexed":false}]},
	{"type":"event","name":"ListingCancelled","anonymous":false,"inputs":[{"name":"tokenId","type":"uint256","indexed":true},{"name":"seller","type":"address","indexed":true}]},
	{"type":"event","name":"TokenSold","anonymous":false,"inputs":[{"name":"tokenId","type":"uint256","indexed":true},{"name":"buyer","type":"address","indexed":true},{"name":"seller","type":"address","indexed":false},{"name":"price","type":"uint256","indexed":false}]}
]`
