// Package config loads regionctl configuration and region parameters.
//
// # Configuration file
//
// The configuration is written in CUE (regionctl.cue) or YAML (regionctl.yaml).
// Values are overlaid on Default(), checked with struct tags through
// go-playground/validator, and checked again against a built-in CUE schema.
// CUE files may compute values:
//
//	_env: "prod"
//
//	backend: {
//	    type:   "s3"
//	    bucket: "tf-state-\(_env)"
//	    partition_prefix: "regions"
//	}
//
//	approval: {
//	    timeout: "30m"
//	    approvers: {
//	        "*":          ["platform-oncall"]
//	        "eu-central-1": ["eu-infra-lead"]
//	    }
//	}
//
//	parameters: {
//	    values_dir: "./regions"
//	    required:   ["vpcCidr", "instanceType"]
//	    non_overridable: ["vpcCidr"]
//	    defaults: ebsEncrypted: true
//	}
//
// # Region values
//
// DirValuesSource implements engine.ValuesSource over a directory holding one
// document per region (eu-central-1.yaml, us-east-1.cue, ...). Documents must
// be flat mappings of scalars or scalar lists.
//
// # Secrets
//
// EnvSecretSource implements engine.SecretSource over environment variables.
// REGIONCTL_SECRET_BOT_TOKEN becomes the parameter botToken in every region;
// REGIONCTL_SECRET_EU_CENTRAL_1__BOT_TOKEN applies to eu-central-1 only and
// wins over the global value.
package config
