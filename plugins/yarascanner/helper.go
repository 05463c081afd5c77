// Nightguard
// Copyright (c) 2016, 2025, DCSO GmbH

package yarascanner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/hillu/go-yara/v4"
	"github.com/xi2/xz"
)

// loadRules reads compiled yara rules from ruleFile, or if that is empty,
// downloads them from ruleURI.
func loadRules(ruleFile, ruleURI string, isXz bool) (*yara.Rules, error) {
	var ruleReader io.Reader

	if ruleFile != "" {
		yLogger.Info("Loading rule file ", ruleFile)
		fileReader, err := os.Open(ruleFile)
		if err != nil {
			return nil, err
		}
		defer fileReader.Close()
		ruleReader = fileReader
	} else {
		yLogger.Debug("Retrieving rule file via HTTP from: ", ruleURI)
		response, err := http.Get(ruleURI)
		if err != nil {
			return nil, err
		}
		defer response.Body.Close()
		if response.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("rule download from %s failed: %s", ruleURI, response.Status)
		}
		data, err := io.ReadAll(response.Body)
		if err != nil {
			return nil, err
		}
		ruleReader = bytes.NewReader(data)
	}

	if isXz {
		var err error
		ruleReader, err = xz.NewReader(ruleReader, 0)
		if err != nil {
			return nil, err
		}
	}

	rules, err := yara.ReadRules(ruleReader)
	if err != nil {
		return nil, fmt.Errorf("error loading yara plugin rule file: %w", err)
	}
	yLogger.Infof("Loaded [%d] rules", len(rules.GetRules()))
	return rules, nil
}

// CompileRules compiles the YARA rule source at src and writes the compiled
// version to outfile.
func CompileRules(src, outfile string) error {
	compiler, err := yara.NewCompiler()
	if err != nil {
		return err
	}
	defer compiler.Destroy()
	ruleFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer ruleFile.Close()
	err = compiler.AddFile(ruleFile, "nightguard")
	if err != nil {
		return err
	}
	rules, err := compiler.GetRules()
	if err != nil {
		return err
	}
	defer rules.Destroy()
	return rules.Save(outfile)
}

// YARAResults represents the subobject in the returned JSON that contains
// the YARA matches observed in the file
type YARAResults struct {
	MatchedRules []string               `json:"MatchedRules"`
	RuleDetails  map[string]interface{} `json:"RuleDetails"`
}

func matchToResults(m []yara.MatchRule) (string, error) {
	var res YARAResults
	res.MatchedRules = make([]string, 0)
	res.RuleDetails = make(map[string]interface{})
	for _, v := range m {
		res.MatchedRules = append(res.MatchedRules, v.Rule)
		res.RuleDetails[v.Rule] = v.Strings
	}

	out, err := json.Marshal(res)
	if err != nil {
		return "", err
	}

	return string(out[:]), nil
}
