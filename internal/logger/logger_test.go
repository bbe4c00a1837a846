package logger

import (
	"bytes"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const (
	textTraceString = "^time=\"[a-zA-Z0-9/:. ]{26}\" severity=TRACE message=\"edenfs: www.traceExample.com\""
	textDebugString = "^time=\"[a-zA-Z0-9/:. ]{26}\" severity=DEBUG message=\"edenfs: www.debugExample.com\""
	textInfoString  = "^time=\"[a-zA-Z0-9/:. ]{26}\" severity=INFO message=\"edenfs: www.infoExample.com\""
	textWarnString  = "^time=\"[a-zA-Z0-9/:. ]{26}\" severity=WARNING message=\"edenfs: www.warningExample.com\""
	textErrorString = "^time=\"[a-zA-Z0-9/:. ]{26}\" severity=ERROR message=\"edenfs: www.errorExample.com\""

	jsonTraceString = "^{\"timestamp\":{\"seconds\":\\d{10},\"nanos\":\\d{0,9}},\"severity\":\"TRACE\",\"message\":\"edenfs: www.traceExample.com\"}"
	jsonDebugString = "^{\"timestamp\":{\"seconds\":\\d{10},\"nanos\":\\d{0,9}},\"severity\":\"DEBUG\",\"message\":\"edenfs: www.debugExample.com\"}"
	jsonInfoString  = "^{\"timestamp\":{\"seconds\":\\d{10},\"nanos\":\\d{0,9}},\"severity\":\"INFO\",\"message\":\"edenfs: www.infoExample.com\"}"
	jsonWarnString  = "^{\"timestamp\":{\"seconds\":\\d{10},\"nanos\":\\d{0,9}},\"severity\":\"WARNING\",\"message\":\"edenfs: www.warningExample.com\"}"
	jsonErrorString = "^{\"timestamp\":{\"seconds\":\\d{10},\"nanos\":\\d{0,9}},\"severity\":\"ERROR\",\"message\":\"edenfs: www.errorExample.com\"}"
)

type LoggerTestSuite struct {
	suite.Suite
}

func TestLoggerSuite(t *testing.T) {
	suite.Run(t, new(LoggerTestSuite))
}

func redirectLogsToBuffer(buf *bytes.Buffer, level Severity) {
	programLevel := new(slog.LevelVar)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(buf, programLevel, "edenfs: "))
	setLoggingLevel(level, programLevel)
}

func collectLogOutputs(level Severity) []string {
	var buf bytes.Buffer
	redirectLogsToBuffer(&buf, level)

	calls := []func(){
		func() { Tracef("www.traceExample.com") },
		func() { Debugf("www.debugExample.com") },
		func() { Infof("www.infoExample.com") },
		func() { Warnf("www.warningExample.com") },
		func() { Errorf("www.errorExample.com") },
	}
	var output []string
	for _, f := range calls {
		f()
		output = append(output, buf.String())
		buf.Reset()
	}
	return output
}

func (s *LoggerTestSuite) checkLevel(format string, level Severity, expected []string) {
	defaultLoggerFactory.format = format
	output := collectLogOutputs(level)
	for i := range output {
		if expected[i] == "" {
			assert.Equal(s.T(), expected[i], output[i])
			continue
		}
		assert.Regexp(s.T(), regexp.MustCompile(expected[i]), output[i])
	}
}

func (s *LoggerTestSuite) TestTextOff() {
	s.checkLevel("text", SeverityOff, []string{"", "", "", "", ""})
}

func (s *LoggerTestSuite) TestTextError() {
	s.checkLevel("text", SeverityError, []string{"", "", "", "", textErrorString})
}

func (s *LoggerTestSuite) TestTextWarning() {
	s.checkLevel("text", SeverityWarning, []string{"", "", "", textWarnString, textErrorString})
}

func (s *LoggerTestSuite) TestTextInfo() {
	s.checkLevel("text", SeverityInfo, []string{"", "", textInfoString, textWarnString, textErrorString})
}

func (s *LoggerTestSuite) TestTextDebug() {
	s.checkLevel("text", SeverityDebug, []string{"", textDebugString, textInfoString, textWarnString, textErrorString})
}

func (s *LoggerTestSuite) TestTextTrace() {
	s.checkLevel("text", SeverityTrace, []string{textTraceString, textDebugString, textInfoString, textWarnString, textErrorString})
}

func (s *LoggerTestSuite) TestJSONOff() {
	s.checkLevel("json", SeverityOff, []string{"", "", "", "", ""})
}

func (s *LoggerTestSuite) TestJSONError() {
	s.checkLevel("json", SeverityError, []string{"", "", "", "", jsonErrorString})
}

func (s *LoggerTestSuite) TestJSONWarning() {
	s.checkLevel("json", SeverityWarning, []string{"", "", "", jsonWarnString, jsonErrorString})
}

func (s *LoggerTestSuite) TestJSONInfo() {
	s.checkLevel("json", SeverityInfo, []string{"", "", jsonInfoString, jsonWarnString, jsonErrorString})
}

func (s *LoggerTestSuite) TestJSONDebug() {
	s.checkLevel("json", SeverityDebug, []string{"", jsonDebugString, jsonInfoString, jsonWarnString, jsonErrorString})
}

func (s *LoggerTestSuite) TestJSONTrace() {
	s.checkLevel("json", SeverityTrace, []string{jsonTraceString, jsonDebugString, jsonInfoString, jsonWarnString, jsonErrorString})
}

func (s *LoggerTestSuite) TestSetLoggingLevel() {
	cases := []struct {
		severity Severity
		want     slog.Level
	}{
		{SeverityTrace, LevelTrace},
		{SeverityDebug, LevelDebug},
		{SeverityInfo, LevelInfo},
		{SeverityWarning, LevelWarn},
		{SeverityError, LevelError},
		{SeverityOff, LevelOff},
	}
	for _, c := range cases {
		v := new(slog.LevelVar)
		setLoggingLevel(c.severity, v)
		assert.Equal(s.T(), c.want, v.Level())
	}
}

func (s *LoggerTestSuite) TestSetLogFormatSwitchesRenderer() {
	var buf bytes.Buffer
	defaultLoggerFactory.sysWriter = &buf
	defaultLoggerFactory.file = nil
	defaultLoggerFactory.level = SeverityInfo
	SetLogFormat("text")
	Infof("www.infoExample.com")
	assert.Regexp(s.T(), regexp.MustCompile("^time=.*severity=INFO.*"), buf.String())
}
