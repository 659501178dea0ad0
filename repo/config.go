package repo

import (
	"time"
)

type Config struct {
	RepoRoot string `mapstructure:"-" toml:"-"`
	DialUrl  string `mapstructure:"dial_url" toml:"dial_url"`

	// Authority is the principal allowed to admit members and manage
	// governance parameters.
	Authority string `mapstructure:"authority" toml:"authority"`

	// SecurityCouncil is the principal allowed to quarantine and ban
	// members and senators.
	SecurityCouncil string `mapstructure:"security_council" toml:"security_council"`

	Governance Governance `mapstructure:"governance" toml:"governance"`
	Log        Log        `mapstructure:"log" toml:"log"`
	Subscribe  Subscribe  `mapstructure:"subscribe" toml:"subscribe"`
	API        API        `mapstructure:"api" toml:"api"`
}

type Governance struct {
	// VotingDelay is the number of heights between proposal creation and
	// the opening of its voting window.
	VotingDelay uint64 `mapstructure:"voting_delay" toml:"voting_delay"`

	// VotingPeriod is the length of the voting window in heights.
	VotingPeriod uint64 `mapstructure:"voting_period" toml:"voting_period"`

	// ProposalThreshold is the minimum current voting power required to
	// create a proposal.
	ProposalThreshold uint64 `mapstructure:"proposal_threshold" toml:"proposal_threshold"`

	// QuorumNumerator is the quorum fraction numerator over a fixed
	// denominator of 100.
	QuorumNumerator uint64 `mapstructure:"quorum_numerator" toml:"quorum_numerator"`

	// LateQuorumExtension guarantees this many heights of voting after
	// quorum is reached late in the window. 0 disables extension.
	LateQuorumExtension uint64 `mapstructure:"late_quorum_extension" toml:"late_quorum_extension"`

	// QuarantinePeriod is the number of heights a quarantine lasts before
	// it may be lifted.
	QuarantinePeriod uint64 `mapstructure:"quarantine_period" toml:"quarantine_period"`
}

type Log struct {
	Level        string        `mapstructure:"level" toml:"level"`
	Filename     string        `mapstructure:"filename" toml:"filename"`
	ReportCaller bool          `mapstructure:"report_caller" toml:"report_caller"`
	MaxAge       time.Duration `mapstructure:"max_age" toml:"max_age"`
	RotationTime time.Duration `mapstructure:"rotation_time" toml:"rotation_time"`
}

type Subscribe struct {
	// beginning of the queried range, 1 means genesis block
	FromBlock uint64 `mapstructure:"from_block" toml:"from_block"`
	// end of the range, 0 means latest block
	ToBlock uint64 `mapstructure:"to_block" toml:"to_block"`
	// event signature hashes subscribed on member sources; first position is
	// the transfer event signature
	Topics [][]string `mapstructure:"topics" toml:"topics"`
}

type API struct {
	Enable     bool   `mapstructure:"enable" toml:"enable"`
	ListenAddr string `mapstructure:"listen_addr" toml:"listen_addr"`
}

func DefaultConfig(repoRoot string) *Config {
	return &Config{
		RepoRoot:        repoRoot,
		DialUrl:         "ws://localhost:9991",
		Authority:       "0x0000000000000000000000000000000000001001",
		SecurityCouncil: "0x0000000000000000000000000000000000001002",
		Governance: Governance{
			VotingDelay:         10,
			VotingPeriod:        1000,
			ProposalThreshold:   10,
			QuorumNumerator:     4,
			LateQuorumExtension: 100,
			QuarantinePeriod:    5000,
		},
		Log: Log{
			Level:        "info",
			Filename:     "senate.log",
			ReportCaller: false,
			MaxAge:       30 * 24 * time.Hour,
			RotationTime: 24 * time.Hour,
		},
		Subscribe: Subscribe{
			FromBlock: 1,
			ToBlock:   0,
			// keccak256("Transfer(address,address,uint256)")
			Topics: [][]string{{"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"}},
		},
		API: API{
			Enable:     true,
			ListenAddr: "127.0.0.1:8581",
		},
	}
}
