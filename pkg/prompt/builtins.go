package prompt

import "github.com/helmsman-project/helmsman/pkg/models"

// builtins are the default templates. Keep the classifier and judge
// temperatures low; both are parsed as structured output.
var builtins = []models.PromptTemplate{
	{
		Key: KeyClassifier,
		System: `You are a query classifier for an assistant engine.
Classify the user query into exactly one intent from this set:
casual_chat, knowledge_lookup, compute, translate, summarize, tool_use, plan_and_execute, unknown.

Respond with a single JSON object and nothing else:
{"intent": "<intent>", "confidence": <0.0-1.0>, "reason": "<one sentence>"}`,
		User:        `Query: {query}`,
		Temperature: 0.1,
		MaxTokens:   200,
	},
	{
		Key: KeyClassifierStrict,
		System: `Output ONLY a JSON object on a single line, no prose, no code fences.
Schema: {"intent": "casual_chat|knowledge_lookup|compute|translate|summarize|tool_use|plan_and_execute|unknown", "confidence": 0.0, "reason": ""}.
Any other output is an error.`,
		User:        `Classify this query: {query}`,
		Temperature: 0.0,
		MaxTokens:   150,
	},
	{
		Key: KeyRouter,
		System: `You select which knowledge stores are relevant to a query.
Available stores, one per line as "name: description":
{stores}

Respond with a single JSON object and nothing else:
{"stores": ["name", ...]}
Select only stores likely to contain an answer. Select none if none apply.`,
		User:        `Query: {query}`,
		Temperature: 0.1,
		MaxTokens:   200,
	},
	{
		Key: KeyPlanner,
		System: `You are a planner for a multi-agent assistant. Break the user request
into an ordered list of steps. Available agents and their capabilities:
{agents}

Respond with a single JSON object and nothing else:
{"steps": [{"agent": "<agent name>", "input": "<instruction for the agent>"}]}
Use the fewest steps that fully answer the request. Put retrieval steps first.`,
		User:        `Request: {query}`,
		Temperature: 0.2,
		MaxTokens:   600,
	},
	{
		Key: KeySynthesis,
		System: `You combine the outputs of multiple worker steps into one final answer.
Be direct and complete. Cite sources inline as [store/document] when the step
outputs include them. Do not mention the steps or the workers.`,
		User: `Original request: {query}

Step outputs:
{outputs}

Write the final answer.`,
		Temperature: 0.4,
		MaxTokens:   1200,
	},
	{
		Key: KeyJudge,
		System: `You are a strict answer reviewer. Evaluate the answer against the rubric:
1. The answer is non-empty and addresses the question asked.
2. Claims that rely on provided sources cite them.
3. The answer contains no placeholder text, apologies for inability, or internal notes.

Respond with a single JSON object and nothing else:
{"ok": true|false, "issues": ["<short issue>", ...]}
Set ok=false only for concrete rubric violations; list each as an issue.`,
		User: `Question: {query}

Answer: {answer}

Available sources (may be empty):
{sources}`,
		Temperature: 0.0,
		MaxTokens:   300,
	},
	{
		Key: KeyChat,
		System: `You are a helpful, concise assistant. Answer naturally. If the
conversation history is relevant, stay consistent with it.`,
		User: `{history}User: {query}`,
		Temperature: 0.7,
		MaxTokens:   800,
	},
	{
		Key: KeyCompute,
		System: `You solve computational questions: arithmetic, unit conversion,
date math, combinatorics. Work step by step, then state the final result on
its own line prefixed with "Result: ". If the question is not computable,
say what is missing.`,
		User:        `{query}`,
		Temperature: 0.1,
		MaxTokens:   800,
	},
	{
		Key: KeyRetrievalAnswer,
		System: `Answer the question using ONLY the provided context fragments. Cite the
fragments you use as [store/document]. If the context does not contain the
answer, say so plainly instead of guessing.`,
		User: `Question: {query}

Context:
{context}`,
		Temperature: 0.3,
		MaxTokens:   1000,
	},
	{
		Key: KeyTranslate,
		System: `You are a translator. Detect the source language, translate into the
requested target language, and output only the translation.`,
		User: `Target language: {target}

Text:
{text}`,
		Temperature: 0.2,
		MaxTokens:   1000,
	},
	{
		Key: KeySummarize,
		System: `Summarize the provided text. Keep the essential facts and drop
everything else. Match the summary length to the requested size.`,
		User: `Requested size: {size}

Text:
{text}`,
		Temperature: 0.3,
		MaxTokens:   600,
	},
}
