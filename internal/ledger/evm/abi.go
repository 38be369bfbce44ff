package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// registryABI describes the IP registry contract the gateway talks to.
const registryABI = `[
  {"type":"function","name":"requestIPOwnership","stateMutability":"payable",
   "inputs":[{"name":"metadataURI","type":"string"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"verifyIPRequest","stateMutability":"nonpayable",
   "inputs":[{"name":"requestId","type":"uint256"},{"name":"approved","type":"bool"}],"outputs":[]},
  {"type":"function","name":"listForSale","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenId","type":"uint256"},{"name":"minBid","type":"uint256"},{"name":"endTime","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"cancelListing","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"placeBid","stateMutability":"payable",
   "inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"withdrawBid","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenId","type":"uint256"},{"name":"bidIndex","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"acceptBid","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenId","type":"uint256"},{"name":"bidIndex","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"extendIPDuration","stateMutability":"payable",
   "inputs":[{"name":"tokenId","type":"uint256"},{"name":"additionalTime","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"checkIPExpiry","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"registerPatent","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenId","type":"uint256"},{"name":"transactionHash","type":"string"}],"outputs":[]},

  {"type":"function","name":"ipRequests","stateMutability":"view",
   "inputs":[{"name":"requestId","type":"uint256"}],
   "outputs":[{"name":"requester","type":"address"},{"name":"metadataURI","type":"string"},
              {"name":"depositAmount","type":"uint256"},{"name":"status","type":"uint8"},
              {"name":"requestTime","type":"uint256"},{"name":"tokenId","type":"uint256"}]},
  {"type":"function","name":"requestCounter","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"tokenCounter","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"ownerOf","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"tokenURI","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"ipDetails","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"registrationTime","type":"uint256"},{"name":"expiryTime","type":"uint256"},
              {"name":"forSale","type":"bool"},{"name":"minBid","type":"uint256"},
              {"name":"saleEndTime","type":"uint256"},{"name":"originRequestId","type":"uint256"},
              {"name":"transactionHash","type":"string"},{"name":"expired","type":"bool"}]},
  {"type":"function","name":"getBidsForIP","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"bidders","type":"address[]"},{"name":"amounts","type":"uint256[]"},{"name":"active","type":"bool[]"}]},
  {"type":"function","name":"tokensOfOwner","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256[]"}]},

  {"type":"event","name":"IPRequestSubmitted","anonymous":false,
   "inputs":[{"name":"requestId","type":"uint256","indexed":true},
             {"name":"requester","type":"address","indexed":true},
             {"name":"metadataURI","type":"string","indexed":false}]},
  {"type":"event","name":"IPRequestVerified","anonymous":false,
   "inputs":[{"name":"requestId","type":"uint256","indexed":true},
             {"name":"approved","type":"bool","indexed":false},
             {"name":"tokenId","type":"uint256","indexed":false}]}
]`

func parseRegistryABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(registryABI))
}
